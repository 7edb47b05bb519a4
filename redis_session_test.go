package crmbase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisAdapter(t *testing.T, prefix string, opts ...Option) (*RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisAdapter(client, prefix, opts...), mr
}

func TestRedisSession_Suite(t *testing.T) {
	runSessionSuite(t, func(t *testing.T) Adapter {
		adapter, _ := newMiniredisAdapter(t, "crm")
		return adapter
	})
}

func TestRedisSession_SuiteWithoutCache(t *testing.T) {
	runSessionSuite(t, func(t *testing.T) Adapter {
		adapter, _ := newMiniredisAdapter(t, "crm", WithoutCache())
		return adapter
	})
}

func TestRedisSession_Layout(t *testing.T) {
	ctx := context.Background()
	adapter, mr := newMiniredisAdapter(t, "sales")
	defer adapter.Close()

	err := WithSession(ctx, adapter, func(s Session) error {
		if _, err := s.AddCompany(ctx, &Company{
			Name:         "Acme Corp",
			Apps:         []App{{AppName: "Rocket", Email: "Owner@acme.example"}},
			Interactions: []Interaction{{Kind: "email", FollowUpDate: "2024-03-01"}},
		}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if !mr.Exists("sales:config") {
		t.Error("expected config key to be initialized on open")
	}
	if v := mr.HGet("sales:companies", "acme corp"); v == "" {
		t.Error("expected company under its lowercased name")
	}
	if ok, _ := mr.SIsMember("sales:idx:app:rocket", "acme corp"); !ok {
		t.Error("expected app index entry")
	}
	if ok, _ := mr.SIsMember("sales:idx:email:owner@acme.example", "acme corp"); !ok {
		t.Error("expected email index entry")
	}
	members, err := mr.ZMembers("sales:idx:followups")
	if err != nil || len(members) != 1 || members[0] != followupMember("2024-03-01", "acme corp", 0) {
		t.Errorf("followup index = %q, %v", members, err)
	}
}

func TestRedisSession_UpdateReindexes(t *testing.T) {
	ctx := context.Background()
	adapter, mr := newMiniredisAdapter(t, "crm", WithoutCache())
	defer adapter.Close()

	err := WithSession(ctx, adapter, func(s Session) error {
		if _, err := s.AddCompany(ctx, &Company{Name: "Acme", Apps: []App{{AppName: "old"}}}); err != nil {
			return err
		}
		_, err := s.UpdateCompany(ctx, "Acme", CompanyUpdate{Apps: []App{{AppName: "new"}}})
		return err
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	if ok, _ := mr.SIsMember("crm:idx:app:old", "acme"); ok {
		t.Error("expected stale app index entry to be removed")
	}
	if ok, _ := mr.SIsMember("crm:idx:app:new", "acme"); !ok {
		t.Error("expected new app index entry")
	}
}

func TestRedisSession_PrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := NewRedisAdapter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "a")
	b := NewRedisAdapter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "b")
	defer a.Close()
	defer b.Close()

	_ = WithSession(ctx, a, func(s Session) error {
		_, err := s.AddCompany(ctx, &Company{Name: "Acme"})
		return err
	})
	if err := b.Create(ctx, EmptyDatabase()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_ = WithSession(ctx, a, func(s Session) error {
		c, err := s.FindCompanyByName(ctx, "Acme")
		if err != nil || c == nil {
			t.Errorf("Create on prefix b removed data of prefix a: %v", err)
		}
		return nil
	})
}

func TestParseFollowupMember(t *testing.T) {
	key, index, ok := parseFollowupMember(followupMember("2024-03-01", "acme corp", 12))
	if !ok || key != "acme corp" || index != 12 {
		t.Errorf("parseFollowupMember = %q, %d, %v", key, index, ok)
	}
	if _, _, ok := parseFollowupMember("garbage"); ok {
		t.Error("expected garbage member to be rejected")
	}
}

func TestNewRedisAdapterFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	adapter, err := NewRedisAdapterFromURL("redis://" + mr.Addr() + "/0?prefix=team")
	if err != nil {
		t.Fatalf("NewRedisAdapterFromURL failed: %v", err)
	}
	defer adapter.Close()
	if adapter.keys.prefix != "team" {
		t.Errorf("prefix = %s, want team", adapter.keys.prefix)
	}
	if err := adapter.Create(context.Background(), EmptyDatabase()); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !mr.Exists("team:config") {
		t.Error("expected team:config to exist")
	}
}

// failingPipelines fails every pipeline while on is set.
type failingPipelines struct {
	on atomic.Bool
}

func (h *failingPipelines) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failingPipelines) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failingPipelines) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if h.on.Load() {
			return errors.New("connection reset")
		}
		return next(ctx, cmds)
	}
}

func TestRedisSession_AddCompanyReleasesClaimOnIndexFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hook := &failingPipelines{}
	client.AddHook(hook)
	adapter := NewRedisAdapter(client, "crm", WithoutCache())
	defer adapter.Close()

	s, err := adapter.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close(ctx)

	hook.on.Store(true)
	if _, err := s.AddCompany(ctx, &Company{Name: "Acme"}); err == nil {
		t.Fatal("expected AddCompany to fail")
	}
	if v := mr.HGet("crm:companies", "acme"); v != "" {
		t.Errorf("claim left behind: %s", v)
	}

	hook.on.Store(false)
	if _, err := s.AddCompany(ctx, &Company{Name: "Acme"}); err != nil {
		t.Fatalf("AddCompany after failure: %v", err)
	}
}

func TestRedisAdapter_Ping(t *testing.T) {
	ctx := context.Background()
	adapter, mr := newMiniredisAdapter(t, "crm")
	defer adapter.Close()

	if err := Ping(ctx, adapter); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	mr.Close()
	if err := Ping(ctx, adapter); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Ping after shutdown: err = %v, want ErrBackendUnavailable", err)
	}
}
