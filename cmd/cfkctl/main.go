// Command cfkctl runs one-off maintenance tasks against the sponsorship database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/app"
	"github.com/christmasforkids/cfk-sponsorship/internal/backupclient"
	"github.com/christmasforkids/cfk-sponsorship/internal/config"
	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/export"
	"github.com/christmasforkids/cfk-sponsorship/internal/logging"
	"github.com/christmasforkids/cfk-sponsorship/internal/roster"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
)

const usage = `usage: cfkctl <command> [args]

commands:
  migrate               apply database migrations
  import <file.csv>     load families and children from a roster file
  export [file.xlsx]    write the children and sponsorships workbook
  sweep                 release holds older than RESERVATION_TIMEOUT
  token <subject>       issue an admin API token (-ttl, default 12h)
  backup                ask the backup sidecar for a fresh dump
  restore               restore the latest dump through the backup sidecar
`

func main() {
	_ = godotenv.Load()
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), flag.Args()[1:], *ttl); err != nil {
		fmt.Fprintln(os.Stderr, "cfkctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, ttl time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	lg, err := logging.Init(cfg.LogLevel, cfg.Env, cfg.Release)
	if err != nil {
		return err
	}
	defer lg.Closer()

	switch cmd {
	case "token":
		if len(args) != 1 {
			return errors.New("token needs a subject")
		}
		auth, err := app.NewAuth(cfg.AdminJWTSecret)
		if err != nil {
			return err
		}
		tok, err := auth.Issue(args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	case "backup", "restore":
		bc := backupclient.New(cfg.BackupURL, lg.Component("backup"))
		var out string
		if cmd == "backup" {
			out, err = bc.TriggerBackup(ctx)
		} else {
			out, err = bc.RestoreLatest(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	switch cmd {
	case "migrate":
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
		v, err := db.MigrationVersion(ctx, database)
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", v)
		return nil

	case "import":
		if len(args) != 1 {
			return errors.New("import needs a csv file")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		rep, err := roster.NewImporter(database, lg.Component("roster")).Import(ctx, f)
		if err != nil {
			return err
		}
		for _, le := range rep.Errors {
			fmt.Fprintln(os.Stderr, le.Error())
		}
		if len(rep.Errors) > 0 {
			return fmt.Errorf("%d bad rows, nothing imported", len(rep.Errors))
		}
		fmt.Printf("created %d, skipped %d already on file\n", rep.Created, rep.Skipped)
		return nil

	case "export":
		name := export.Filename(time.Now().In(cfg.Location))
		if len(args) > 0 {
			name = args[0]
		}
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := export.Write(ctx, db.NewPGRepo(database), cfg.Location, f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Println(name)
		return nil

	case "sweep":
		mgr := sponsorship.NewManager(db.NewPGRepo(database), nil, lg.Component("sponsorship"),
			sponsorship.WithReservationTimeout(cfg.ReservationTimeout))
		n, err := mgr.ExpireStaleReservations(ctx)
		lg.Base.Info("sweep finished", zap.Int("released", n), zap.Error(err))
		fmt.Printf("released %d\n", n)
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}
