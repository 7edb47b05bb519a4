package crmbase

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Connect returns the adapter selected by the scheme of raw:
//
//	file:crm.json                     relative to the working directory
//	file://data/crm.json              relative as well (host is the first segment)
//	file:///var/lib/crm.json          absolute
//	memory:                           fresh in-memory database
//	http(s)://user:key@host           CRM HTTP API
//	couchdb(s)://user:pw@host:5984/db CouchDB over http(s)
//	redis(s)://host:6379/0?prefix=crm Redis
//	postgres(ql)://user:pw@host/db    PostgreSQL JSONB tables
//	s3://bucket/key?region=eu-west-1  S3 document (add endpoint= and userinfo for MinIO)
//	gs://bucket/key?credentials=file  Google Cloud Storage document
//
// Any other scheme returns ErrUnsupportedScheme.
func Connect(ctx context.Context, raw string, opts ...Option) (Adapter, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, WithContext(ErrUnsupportedScheme, map[string]interface{}{
			"url": redactURL(raw),
		})
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryAdapter(), nil
	case "file":
		p, err := filePath(u)
		if err != nil {
			return nil, err
		}
		return newDocumentAdapter(NewFilesystemBackend(filepath.Dir(p)), filepath.Base(p), opts)
	case "http", "https":
		return NewRemoteAdapter(raw, opts...)
	case "couchdb", "couchdbs":
		return NewCouchAdapter("http"+raw[len("couchdb"):], opts...)
	case "redis", "rediss":
		return NewRedisAdapterFromURL(raw, opts...)
	case "postgres", "postgresql":
		return NewPostgresAdapter(ctx, raw, opts...)
	case "s3":
		return connectBlob(ctx, objectConfigS3(u), opts)
	case "gs":
		cfg := BackendConfig{
			Type:            "gcs",
			Bucket:          u.Host,
			Key:             objectKey(u),
			CredentialsFile: u.Query().Get("credentials"),
		}
		return connectBlob(ctx, cfg, opts)
	default:
		return nil, WithContext(ErrUnsupportedScheme, map[string]interface{}{
			"scheme": u.Scheme,
			"url":    redactURL(raw),
		})
	}
}

func connectBlob(ctx context.Context, cfg BackendConfig, opts []Option) (Adapter, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newDocumentAdapter(backend, cfg.Key, opts)
}

func newDocumentAdapter(backend Backend, key string, opts []Option) (Adapter, error) {
	if k := buildOptions(opts).encryptionKey; k != nil {
		enc, err := NewEncryptedBackend(backend, k)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		backend = enc
	}
	return NewFileAdapter(backend, key, opts...), nil
}

// objectConfigS3 maps s3://[access:secret@]bucket/key?region=&endpoint=&ssl=
// to a backend config. An endpoint selects MinIO.
func objectConfigS3(u *url.URL) BackendConfig {
	q := u.Query()
	cfg := BackendConfig{
		Type:     "s3",
		Bucket:   u.Host,
		Key:      objectKey(u),
		Region:   q.Get("region"),
		Endpoint: q.Get("endpoint"),
		UseSSL:   q.Get("ssl") == "true",
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Endpoint != "" {
		cfg.Type = "minio"
		if u.User != nil {
			cfg.AccessKey = u.User.Username()
			cfg.SecretKey, _ = u.User.Password()
		}
	}
	return cfg
}

func objectKey(u *url.URL) string {
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return DefaultDatabaseFile
	}
	return key
}

// filePath resolves a file: URL the way browsers parse it: a host part is
// the first segment of a path relative to the working directory.
func filePath(u *url.URL) (string, error) {
	var p string
	switch {
	case u.Opaque != "":
		p = u.Opaque
	case u.Host != "":
		p = u.Host + u.Path
	default:
		p = u.Path
	}
	if p == "" {
		return "", WithContext(ErrInvalidConfig, map[string]interface{}{
			"url":    u.String(),
			"reason": "file URL has no path",
		})
	}
	if !path.IsAbs(p) {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		p = filepath.Join(wd, filepath.FromSlash(p))
	}
	return filepath.Clean(p), nil
}

// ResolveDatabaseURL picks the connection descriptor: explicit, then
// DATABASE_URL, then a file: URL for DATABASE_JSON_FILE or ./crm.json.
func ResolveDatabaseURL(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		return env
	}
	file := os.Getenv("DATABASE_JSON_FILE")
	if file == "" {
		file = DefaultDatabaseFile
	}
	if filepath.IsAbs(file) {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(file)}).String()
	}
	return "file:" + filepath.ToSlash(file)
}
