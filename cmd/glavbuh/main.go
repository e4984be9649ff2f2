package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nkiryanov/glavbuh/internal/models"
)

const usage = `usage: glavbuh [flags] <command> [args]

commands:
  whoami                          show current session
  login <email> <password>        authenticate with email and password
  register <email> <password> [full name]
  google <code> <redirect-uri>    authenticate with federated provider code
  verify <email> <code>           activate account with emailed code
  resend-code <email>             send activation code again
  profile <field> <value>         update profile field (full_name, user_type, fop_group, tax_system)
  call <method> <path> [body]     authenticated request to the remote API
  push-token <token>              platform issued a new push token
  delete-account                  delete account and log out
  logout                          log out
`

func main() {
	// Initialize context that cancelled on SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Getenv, os.Getwd, os.Args[1:]); err != nil {
		slog.Error("command failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, getenv func(string) string, getwd func() (string, error), args []string) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env. Err: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return err
	}
	cmdArgs, err := c.ParseFlags(args)
	if err != nil {
		return err
	}
	if err := c.ResolvePath(getwd); err != nil {
		return err
	}

	if len(cmdArgs) == 0 {
		_, _ = io.WriteString(stdout, usage)
		return errors.New("no command given")
	}

	app, err := NewApp(ctx, c)
	if err != nil {
		return fmt.Errorf("can't initialize app. Err: %w", err)
	}
	defer app.Close()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	metricsDone := make(chan error, 1)
	go func() { metricsDone <- app.ServeMetrics(metricsCtx) }()
	defer func() {
		stopMetrics()
		<-metricsDone
	}()

	if err := app.Session.Start(ctx); err != nil {
		return fmt.Errorf("error while starting session. Err: %w", err)
	}

	return dispatch(ctx, stdout, app, cmdArgs[0], cmdArgs[1:])
}

func dispatch(ctx context.Context, stdout io.Writer, app *App, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d arguments, got %d\n\n%s", cmd, n, len(args), usage)
		}
		return nil
	}

	switch cmd {
	case "whoami":
		return printJSON(stdout, app.Session.Current())

	case "login":
		if err := need(2); err != nil {
			return err
		}
		user, err := app.Session.Login(ctx, models.LoginCredentials{Email: args[0], Password: args[1]})
		if err != nil {
			return err
		}
		return printJSON(stdout, user)

	case "register":
		if err := need(2); err != nil {
			return err
		}
		data := models.RegisterData{Email: args[0], Password: args[1]}
		if len(args) > 2 {
			data.FullName = strings.Join(args[2:], " ")
		}
		user, err := app.Session.Register(ctx, data)
		if err != nil {
			return err
		}
		return printJSON(stdout, user)

	case "google":
		if err := need(2); err != nil {
			return err
		}
		user, err := app.Session.FederatedLogin(ctx, models.FederatedCode{Code: args[0], RedirectURI: args[1]})
		if err != nil {
			return err
		}
		return printJSON(stdout, user)

	case "verify":
		if err := need(2); err != nil {
			return err
		}
		user, err := app.Session.VerifyEmail(ctx, models.EmailVerification{Email: args[0], Code: args[1]})
		if err != nil {
			return err
		}
		return printJSON(stdout, user)

	case "resend-code":
		if err := need(1); err != nil {
			return err
		}
		return app.Session.ResendActivationCode(ctx, args[0])

	case "profile":
		if err := need(2); err != nil {
			return err
		}
		upd, err := profileUpdate(args[0], args[1])
		if err != nil {
			return err
		}
		user, err := app.Session.UpdateProfile(ctx, upd)
		if err != nil {
			return err
		}
		return printJSON(stdout, user)

	case "call":
		if err := need(2); err != nil {
			return err
		}
		return call(ctx, stdout, app, strings.ToUpper(args[0]), args[1], args[2:])

	case "push-token":
		if err := need(1); err != nil {
			return err
		}
		rotations := make(chan string, 1)
		rotations <- args[0]
		close(rotations)
		<-app.Binder.Watch(ctx, rotations)
		return printJSON(stdout, app.Binder.Current())

	case "delete-account":
		return app.Session.DeleteAccount(ctx)

	case "logout":
		return app.Session.Logout(ctx)

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func call(ctx context.Context, stdout io.Writer, app *App, method string, path string, body []string) error {
	var r io.Reader
	if len(body) > 0 {
		r = strings.NewReader(strings.Join(body, " "))
	}

	req, err := http.NewRequestWithContext(ctx, method, app.Gateway.BaseURL+path, r)
	if err != nil {
		return err
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Gateway.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if _, err := fmt.Fprintf(stdout, "%s\n", resp.Status); err != nil {
		return err
	}
	_, err = io.Copy(stdout, resp.Body)
	return err
}

func profileUpdate(field, value string) (models.ProfileUpdate, error) {
	var upd models.ProfileUpdate

	switch field {
	case "full_name":
		upd.FullName = &value
	case "user_type":
		upd.UserType = &value
	case "fop_group":
		upd.FOPGroup = &value
	case "tax_system":
		upd.TaxSystem = &value
	default:
		return upd, fmt.Errorf("unknown profile field %q", field)
	}

	return upd, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
