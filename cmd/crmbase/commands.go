package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/adrianmcphee/crmbase"
	"github.com/adrianmcphee/crmbase/internal/export"
	"github.com/adrianmcphee/crmbase/internal/server"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			var existing int
			err := withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
				db, err := s.Dump(ctx)
				if err != nil {
					return err
				}
				existing = len(db.Companies)
				return nil
			})
			if err != nil {
				return err
			}
			if existing > 0 {
				return fmt.Errorf("database holds %d companies; use --force to overwrite", existing)
			}
		}
		if err := adapter.Create(cmd.Context(), crmbase.EmptyDatabase()); err != nil {
			return err
		}
		printOK("Database initialized")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the database over the CRM HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = viper.BindEnv("host", "CRM_HOST", "HOSTNAME")
		_ = viper.BindEnv("port", "CRM_PORT", "PORT")
		_ = viper.BindEnv("api-key", "CRM_API_KEY", "SERVER_API_KEY")

		srv := server.New(adapter, server.Config{
			Host:   viper.GetString("host"),
			Port:   viper.GetInt("port"),
			APIKey: viper.GetString("api-key"),
		},
			server.WithLogger(logger),
			server.WithMetrics(metrics),
			server.WithRegistry(registry),
		)

		if viper.GetString("api-key") == "" {
			fmt.Fprintf(stdout, "API key: %s\n", srv.APIKey())
		}
		fmt.Fprintf(stdout, "Listening on %s\n", srv.Addr())
		return srv.Run(cmd.Context())
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the whole database as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			return printJSON(db)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the database as a PostgreSQL script",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ddlOnly, _ := cmd.Flags().GetBool("ddl-only")
		dataOnly, _ := cmd.Flags().GetBool("data-only")
		if ddlOnly && dataOnly {
			return fmt.Errorf("--ddl-only and --data-only are mutually exclusive")
		}
		if ddlOnly {
			fmt.Fprint(stdout, export.ExportDDL())
			return nil
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			var out string
			if dataOnly {
				out, err = export.ExportData(db)
			} else {
				out, err = export.Export(db)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(stdout, out)
			return nil
		})
	},
}

var companiesCmd = &cobra.Command{
	Use:   "companies [FILTER]",
	Short: "List companies, optionally fuzzy-filtered",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			companies, err := s.SearchCompanies(ctx, filter)
			if err != nil {
				return err
			}
			return printList(companies, companyHeader, companyRows(companies))
		})
	},
}

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Add, show or update a company",
}

var companyAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		company := &crmbase.Company{Name: args[0]}
		company.URL, _ = cmd.Flags().GetString("url")
		company.Address, _ = cmd.Flags().GetString("address")
		company.NoFollowUp, _ = cmd.Flags().GetBool("no-followup")
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			added, err := s.AddCompany(ctx, company)
			if err != nil {
				return err
			}
			return printJSON(added)
		})
	},
}

var companyShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a company, resolving NAME fuzzily when there is no exact match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			company, err := s.FindCompanyByName(ctx, args[0])
			if err != nil {
				return err
			}
			if company == nil {
				db, err := s.Dump(ctx)
				if err != nil {
					return err
				}
				var ok bool
				if company, ok = crmbase.ResolveCompany(db, args[0]); !ok {
					return crmbase.NewBusinessError(crmbase.MsgCompanyNotFound, crmbase.ErrNotFound)
				}
			}
			return printJSON(company)
		})
	},
}

var companyUpdateCmd = &cobra.Command{
	Use:   "update NAME",
	Short: "Update the flagged attributes of a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var update crmbase.CompanyUpdate
		flags := cmd.Flags()
		if flags.Changed("url") {
			v, _ := flags.GetString("url")
			update.URL = &v
		}
		if flags.Changed("address") {
			v, _ := flags.GetString("address")
			update.Address = &v
		}
		if flags.Changed("no-followup") {
			v, _ := flags.GetBool("no-followup")
			update.NoFollowUp = &v
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			company, err := s.UpdateCompany(ctx, args[0], update)
			if err != nil {
				return err
			}
			return printJSON(company)
		})
	},
}

var contactCmd = &cobra.Command{
	Use:   "contact",
	Short: "Add or find contacts",
}

var contactAddCmd = &cobra.Command{
	Use:   "add COMPANY EMAIL",
	Short: "Add a contact to a company",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		contact := crmbase.Contact{Email: args[1]}
		contact.FirstName, _ = flags.GetString("first-name")
		contact.LastName, _ = flags.GetString("last-name")
		contact.Role, _ = flags.GetString("role")
		contact.LinkedIn, _ = flags.GetString("linkedin")
		contact.GitHub, _ = flags.GetString("github")
		contact.Twitter, _ = flags.GetString("twitter")
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			added, err := crmbase.AddContact(ctx, s, args[0], contact)
			if err != nil {
				return err
			}
			return printJSON(added)
		})
	},
}

var contactFindCmd = &cobra.Command{
	Use:   "find FILTER",
	Short: "Find a contact by email, or fuzzily by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			found, err := s.FindContactByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			if found == nil {
				db, err := s.Dump(ctx)
				if err != nil {
					return err
				}
				var ok bool
				if found, ok = crmbase.ResolveContact(db, args[0]); !ok {
					return crmbase.NewBusinessError(crmbase.MsgContactNotFound, crmbase.ErrNotFound)
				}
			}
			return printJSON(map[string]interface{}{"company": found.Company.Name, "contact": found.Contact})
		})
	},
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Add or find apps",
}

var appAddCmd = &cobra.Command{
	Use:   "add COMPANY APP_NAME",
	Short: "Add an app to a company",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := crmbase.App{AppName: args[1]}
		app.Email, _ = cmd.Flags().GetString("email")
		app.Plan, _ = cmd.Flags().GetString("plan")
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			added, err := crmbase.AddApp(ctx, s, args[0], app)
			if err != nil {
				return err
			}
			return printJSON(added)
		})
	},
}

var appFindCmd = &cobra.Command{
	Use:   "find FILTER",
	Short: "Find an app by name or owner email, or fuzzily",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			found, err := s.FindAppByName(ctx, args[0])
			if err != nil {
				return err
			}
			if found == nil {
				if found, err = s.FindAppByEmail(ctx, args[0]); err != nil {
					return err
				}
			}
			if found == nil {
				db, err := s.Dump(ctx)
				if err != nil {
					return err
				}
				var ok bool
				if found, ok = crmbase.ResolveApp(db, args[0]); !ok {
					return crmbase.NewBusinessError(crmbase.MsgAppNotFound, crmbase.ErrNotFound)
				}
			}
			return printJSON(map[string]interface{}{"company": found.Company.Name, "app": found.App})
		})
	},
}

var interactionCmd = &cobra.Command{
	Use:   "interaction",
	Short: "Log interactions and mark them done",
}

var interactionAddCmd = &cobra.Command{
	Use:   "add COMPANY",
	Short: "Log an interaction with a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var interaction crmbase.Interaction
		interaction.Kind, _ = flags.GetString("kind")
		interaction.Tag, _ = flags.GetString("tag")
		interaction.From, _ = flags.GetString("from")
		interaction.To, _ = flags.GetString("to")
		interaction.Summary, _ = flags.GetString("summary")
		interaction.Date, _ = flags.GetString("date")
		interaction.FollowUpDate, _ = flags.GetString("followup")
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			added, err := crmbase.AddInteraction(ctx, s, args[0], interaction)
			if err != nil {
				return err
			}
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			id, _ := crmbase.InteractionOrdinal(db, added.Company.Name, added.Index)
			return printJSON(map[string]interface{}{"id": id, "company": added.Company.Name, "interaction": added.Interaction})
		})
	},
}

var interactionDoneCmd = &cobra.Command{
	Use:   "done ID",
	Short: "Clear the follow-up date of an interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid interaction id %q", args[0])
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			db, err := s.Dump(ctx)
			if err != nil {
				return err
			}
			found, ok := crmbase.FindInteraction(db, id)
			if !ok {
				return crmbase.NewBusinessError(crmbase.MsgInteractionAbsent, crmbase.ErrNotFound)
			}
			done, err := crmbase.DoneInteraction(ctx, s, found.Company.Name, found.Index)
			if err != nil {
				return err
			}
			return printJSON(done)
		})
	},
}

var followupsCmd = &cobra.Command{
	Use:   "followups",
	Short: "List interactions due for follow-up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		today := time.Now().UTC().Format("2006-01-02")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		if end == "" {
			end = today
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			followups, err := s.FindFollowups(ctx, start, end)
			if err != nil {
				return err
			}
			return printList(followups, followupHeader, followupRows(followups, today))
		})
	},
}

var interactionsCmd = &cobra.Command{
	Use:   "interactions [FILTER]",
	Short: "List interactions and app lifecycle events by date",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ""
		if len(args) == 1 {
			filter = args[0]
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			rows, err := crmbase.Interactions(ctx, s, filter)
			if err != nil {
				return err
			}
			return printList(rows, interactionHeader, interactionRows(rows))
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and edit the CRM configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			cfg, err := s.LoadConfig(ctx)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		})
	},
}

var configStaffCmd = &cobra.Command{
	Use:   "staff EMAIL NAME",
	Short: "Add or rename a staff member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			staff, err := crmbase.AddStaff(ctx, s, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(staff)
		})
	},
}

var configTemplateCmd = &cobra.Command{
	Use:   "template NAME BODY_FILE",
	Short: "Add or replace an email template",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		tmpl := crmbase.TemplateEmail{Name: args[0], Subject: subject, Body: string(body)}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			added, err := crmbase.AddTemplate(ctx, s, tmpl)
			if err != nil {
				return err
			}
			return printJSON(added)
		})
	},
}

var renderCmd = &cobra.Command{
	Use:   "render TEMPLATE_FILE FILTER",
	Short: "Render a template for the app, contact or company matching FILTER",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s crmbase.Session) error {
			rc, ok, err := crmbase.ResolveRenderContext(ctx, s, args[1])
			if err != nil {
				return err
			}
			if !ok {
				return crmbase.NewBusinessError(crmbase.MsgContactNotFound, crmbase.ErrNotFound)
			}
			out := crmbase.RenderTemplate(string(text), rc)
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			fmt.Fprint(stdout, out)
			return nil
		})
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite a database that already holds companies")

	serveCmd.Flags().String("host", "", "listen host (env HOSTNAME)")
	serveCmd.Flags().Int("port", server.DefaultPort, "listen port (env PORT)")
	serveCmd.Flags().String("api-key", "", "API key clients must present (env SERVER_API_KEY; generated when empty)")

	exportCmd.Flags().Bool("ddl-only", false, "only print CREATE TABLE statements")
	exportCmd.Flags().Bool("data-only", false, "only print INSERT statements")

	for _, c := range []*cobra.Command{companyAddCmd, companyUpdateCmd} {
		c.Flags().String("url", "", "company website")
		c.Flags().String("address", "", "postal address")
		c.Flags().Bool("no-followup", false, "exclude the company from follow-ups")
	}
	companyCmd.AddCommand(companyAddCmd, companyShowCmd, companyUpdateCmd)

	contactAddCmd.Flags().String("first-name", "", "first name")
	contactAddCmd.Flags().String("last-name", "", "last name")
	contactAddCmd.Flags().String("role", "", "role at the company")
	contactAddCmd.Flags().String("linkedin", "", "LinkedIn profile")
	contactAddCmd.Flags().String("github", "", "GitHub handle")
	contactAddCmd.Flags().String("twitter", "", "Twitter handle")
	contactCmd.AddCommand(contactAddCmd, contactFindCmd)

	appAddCmd.Flags().String("email", "", "owner email")
	appAddCmd.Flags().String("plan", "", "subscription plan")
	appCmd.AddCommand(appAddCmd, appFindCmd)

	interactionAddCmd.Flags().String("kind", "", "interaction kind, e.g. email or meeting")
	interactionAddCmd.Flags().String("tag", "", "interaction tag")
	interactionAddCmd.Flags().String("from", "", "sender")
	interactionAddCmd.Flags().String("to", "", "recipient")
	interactionAddCmd.Flags().String("summary", "", "what happened")
	interactionAddCmd.Flags().String("date", "", "when it happened (default now)")
	interactionAddCmd.Flags().String("followup", "", "follow-up date")
	interactionCmd.AddCommand(interactionAddCmd, interactionDoneCmd)

	followupsCmd.Flags().String("start", "1970-01-01", "first follow-up date included")
	followupsCmd.Flags().String("end", "", "last follow-up date included (default today)")

	configTemplateCmd.Flags().String("subject", "", "email subject")
	configCmd.AddCommand(configShowCmd, configStaffCmd, configTemplateCmd)
}
