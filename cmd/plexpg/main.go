package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq" // postgres driver for the server probe
	"golang.org/x/term"

	"github.com/jabrown93/plex-postgresql/pkg/config"
	"github.com/jabrown93/plex-postgresql/pkg/embedded"
	"github.com/jabrown93/plex-postgresql/pkg/secrets"
	"github.com/jabrown93/plex-postgresql/pkg/translator"
)

type options struct {
	Config string `short:"f" long:"config" env:"PLEX_PG_CONFIG" default:"/etc/plex_pg.conf" description:"config file"`

	TranslateCmd struct {
		PositionalArgs struct {
			SQL string `positional-arg-name:"sql" description:"statement to translate, stdin when omitted"`
		} `positional-args:"yes" positional-optional:"yes"`
	} `command:"translate" description:"rewrite a statement into the server dialect"`

	CheckCmd struct {
		DBFile  string        `long:"db" description:"library database file to probe through the embedded engine"`
		Timeout time.Duration `long:"timeout" default:"10s" description:"server probe timeout"`
	} `command:"check" description:"validate config, resolve secrets and probe the server"`

	SecretCmd struct {
		Key  string `short:"k" long:"key" env:"PLEX_PG_SECRETS_KEY" required:"true" description:"key to use for encryption/decryption"`
		Conn string `short:"c" long:"conn" env:"PLEX_PG_SECRETS_DB" default:"plex_pg_secrets.db" description:"connection string for the secrets store"`

		SetCmd struct {
			PositionalArgs struct {
				Key   string `positional-arg-name:"key" description:"key to add"`
				Value string `positional-arg-name:"value" description:"value to add"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"set" description:"add a new secret"`

		GetCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to retrieve"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"get" description:"retrieve a secret"`

		DeleteCmd struct {
			PositionalArgs struct {
				Key string `positional-arg-name:"key" description:"key to delete"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"del" description:"delete a secret"`

		ListCmd struct {
			PositionalArgs struct {
				KeyPrefix string `positional-arg-name:"key-prefix" default:"*" description:"key prefix to list"`
			} `positional-args:"yes" positional-optional:"no"`
		} `command:"list" description:"list secrets keys"`
	} `command:"secret" description:"manage the internal secrets store"`

	Secrets SecretsOpts `group:"secrets" namespace:"secrets" env-namespace:"PLEX_PG"`

	Dbg bool `long:"dbg" description:"debug mode"`
}

// SecretsOpts defines the providers the check command may need to resolve an
// external password reference. Env names match what the in-host shim reads,
// so one deployment environment serves both.
type SecretsOpts struct {
	Vault struct {
		Addr  string `long:"addr" env:"ADDR" description:"vault server url"`
		Path  string `long:"path" env:"PATH" description:"vault mount path"`
		Token string `long:"token" env:"TOKEN" description:"vault token"`
	} `group:"vault" namespace:"vault" env-namespace:"VAULT"`

	Aws struct {
		Key    string `long:"key" env:"KEY" description:"aws access key"`
		Secret string `long:"secret" env:"SECRET" description:"aws secret key"`
		Region string `long:"region" env:"REGION" description:"aws region"`
	} `group:"aws" namespace:"aws" env-namespace:"AWS"`

	Ansible struct {
		File   string `long:"file" env:"VAULT" description:"ansible vault file"`
		Secret string `long:"secret" env:"SECRET" description:"ansible vault password"`
	} `group:"ansible" namespace:"ansible" env-namespace:"ANSIBLE"`

	Conn string `long:"conn" env:"SECRETS_DB" description:"internal store connection string"`
	Key  string `long:"key" env:"SECRETS_KEY" description:"internal store encryption key"`
}

var revision = "latest"

var exitFunc = os.Exit

func main() {
	fmt.Printf("plexpg %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		exitFunc(1) // can be redefined in tests
		return
	}
	setupLog(opts.Dbg)

	if err := run(p, opts); err != nil {
		if opts.Dbg {
			log.Panicf("[ERROR] %v", err)
		}
		fmt.Printf("failed, %v\n", err)
		exitFunc(1)
	}
}

func run(p *flags.Parser, opts options) error {
	if p.Active == nil {
		return fmt.Errorf("no command given")
	}

	if p.Command.Find("translate") == p.Active {
		return translateCmd(opts, os.Stdin, os.Stdout)
	}

	if p.Command.Find("check") == p.Active {
		return checkCmd(opts)
	}

	if sec := p.Command.Find("secret"); sec != nil {
		return secretCmd(sec, p.Active, opts)
	}
	return nil
}

// translateCmd rewrites one statement and prints the server form. The class
// and parameter counts go to the log so the output stays pipeable.
func translateCmd(opts options, stdin io.Reader, stdout io.Writer) error {
	text := opts.TranslateCmd.PositionalArgs.SQL
	if text == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("can't read stdin: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("nothing to translate")
	}

	res, err := translator.Translate(text)
	if err != nil {
		return fmt.Errorf("can't translate: %w", err)
	}
	log.Printf("[INFO] class: %s, params: %d bound, %d on server", res.Class, res.ParamCount, res.ServerParams)
	for name, idx := range res.ParamNames {
		log.Printf("[DEBUG] named param %s -> $%d", name, idx)
	}
	fmt.Fprintln(stdout, res.SQL)
	return nil
}

// checkCmd loads the config the way the shim does, resolving the password
// through whatever providers the flags and env supply, then proves the server
// is reachable and the schema visible. With --db it also opens a copy of the
// library file through the embedded engine.
func checkCmd(opts options) error {
	set, err := config.New(opts.Config, makeResolver(opts.Secrets))
	if err != nil {
		return fmt.Errorf("config check failed: %w", err)
	}

	if set.Password == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("Password: ")
		pw, rerr := term.ReadPassword(int(syscall.Stdin))
		if rerr != nil {
			return fmt.Errorf("can't read password: %w", rerr)
		}
		fmt.Println()
		set.Password = strings.TrimSpace(string(pw))
	}

	if err := probeServer(set, opts.CheckCmd.Timeout); err != nil {
		return err
	}

	if opts.CheckCmd.DBFile != "" {
		if err := probeLocal(opts.CheckCmd.DBFile); err != nil {
			return err
		}
	}

	log.Printf("[INFO] all checks passed")
	return nil
}

func probeServer(set *config.Settings, timeout time.Duration) error {
	db, err := sql.Open("postgres", set.ConnString())
	if err != nil {
		return fmt.Errorf("can't open server connection: %w", err)
	}
	defer db.Close() // nolint

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("can't reach %s:%d: %w", set.Host, set.Port, err)
	}
	log.Printf("[INFO] server ok: %s", version)

	var tables int
	q := "SELECT count(*) FROM information_schema.tables WHERE table_schema = $1"
	if err := db.QueryRowContext(ctx, q, set.Schema).Scan(&tables); err != nil {
		return fmt.Errorf("can't inspect schema %s: %w", set.Schema, err)
	}
	log.Printf("[INFO] schema %s holds %d tables", set.Schema, tables)
	return nil
}

// probeLocal copies the database file aside before opening it, so a probe
// never touches a file the host may hold open.
func probeLocal(path string) error {
	tmp, err := fileutils.TempFileName("", "plexpg-check")
	if err != nil {
		return fmt.Errorf("can't allocate temp copy: %w", err)
	}
	defer os.Remove(tmp) // nolint

	if err := fileutils.CopyFile(path, tmp); err != nil {
		return fmt.Errorf("can't copy %s: %w", path, err)
	}

	eng := &embedded.Engine{Path: tmp}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("can't open copy of %s: %w", path, err)
	}
	defer eng.Close() // nolint

	st, err := eng.Prepare(context.Background(), "SELECT count(*) FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return fmt.Errorf("can't read %s: %w", path, err)
	}
	defer st.Finalize() // nolint

	row, err := st.Step(context.Background())
	if err != nil {
		return fmt.Errorf("can't read %s: %w", path, err)
	}
	if !row {
		return fmt.Errorf("no schema visible in %s", path)
	}
	log.Printf("[INFO] local copy ok, %d tables in %s", st.ColumnInt64(0), path)
	return nil
}

func secretCmd(sec *flags.Command, active *flags.Command, opts options) error {
	sp, err := secrets.NewInternalProvider(opts.SecretCmd.Conn, []byte(opts.SecretCmd.Key))
	if err != nil {
		return fmt.Errorf("can't create secrets provider: %w", err)
	}

	// set secret
	if sec.Find("set") == active {
		log.Printf("[INFO] set command, key=%s", opts.SecretCmd.SetCmd.PositionalArgs.Key)
		if opts.SecretCmd.SetCmd.PositionalArgs.Value == "" {
			return fmt.Errorf("can't set empty secret for key %q", opts.SecretCmd.SetCmd.PositionalArgs.Key)
		}
		if setErr := sp.Set(opts.SecretCmd.SetCmd.PositionalArgs.Key, opts.SecretCmd.SetCmd.PositionalArgs.Value); setErr != nil {
			return fmt.Errorf("can't set secret for key %q: %w", opts.SecretCmd.SetCmd.PositionalArgs.Key, setErr)
		}
	}

	// get secret
	if sec.Find("get") == active {
		log.Printf("[INFO] get command, key=%s", opts.SecretCmd.GetCmd.PositionalArgs.Key)
		val, getErr := sp.Get(opts.SecretCmd.GetCmd.PositionalArgs.Key)
		if getErr != nil {
			return fmt.Errorf("can't get secret for key %q: %w", opts.SecretCmd.GetCmd.PositionalArgs.Key, getErr)
		}
		log.Printf("[INFO] key=%s, value=%s", opts.SecretCmd.GetCmd.PositionalArgs.Key, val)
	}

	// delete secret
	if sec.Find("del") == active {
		log.Printf("[INFO] del command, key=%s", opts.SecretCmd.DeleteCmd.PositionalArgs.Key)
		if delErr := sp.Delete(opts.SecretCmd.DeleteCmd.PositionalArgs.Key); delErr != nil {
			return fmt.Errorf("can't delete secret: %w", delErr)
		}
		log.Printf("[INFO] key=%s deleted", opts.SecretCmd.DeleteCmd.PositionalArgs.Key)
	}

	// list secrets
	if sec.Find("list") == active {
		log.Printf("[INFO] list command, key-prefix=%q", opts.SecretCmd.ListCmd.PositionalArgs.KeyPrefix)
		keys, listErr := sp.List(opts.SecretCmd.ListCmd.PositionalArgs.KeyPrefix)
		if listErr != nil {
			return fmt.Errorf("can't list secrets: %w", listErr)
		}
		for i, k := range keys {
			if i%4 == 0 && i != 0 {
				fmt.Println()
			}
			fmt.Printf("%s\t", k)
		}
		fmt.Println()
	}

	return nil
}

// makeResolver builds the scheme resolver from provider options. A provider
// joins only when its credentials are present; a plain password needs none.
func makeResolver(sopts SecretsOpts) *secrets.Resolver {
	r := secrets.NewResolver()
	if sopts.Vault.Addr != "" {
		p, err := secrets.NewHashiVaultProvider(sopts.Vault.Addr, sopts.Vault.Path, sopts.Vault.Token)
		if err != nil {
			log.Printf("[WARN] vault secrets unavailable: %v", err)
		} else {
			r.Register("vault", p)
		}
	}
	if sopts.Aws.Key != "" {
		p, err := secrets.NewAWSSecretsProvider(sopts.Aws.Key, sopts.Aws.Secret, sopts.Aws.Region)
		if err != nil {
			log.Printf("[WARN] aws secrets unavailable: %v", err)
		} else {
			r.Register("aws", p)
		}
	}
	if sopts.Ansible.File != "" {
		p, err := secrets.NewAnsibleVaultProvider(sopts.Ansible.File, sopts.Ansible.Secret)
		if err != nil {
			log.Printf("[WARN] ansible-vault secrets unavailable: %v", err)
		} else {
			r.Register("ansible", p)
		}
	}
	if sopts.Conn != "" {
		p, err := secrets.NewInternalProvider(sopts.Conn, []byte(sopts.Key))
		if err != nil {
			log.Printf("[WARN] internal secrets store unavailable: %v", err)
		} else {
			r.Register("secret", p)
		}
	}
	return r
}

func setupLog(dbg bool) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
