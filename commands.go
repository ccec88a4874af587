package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"circadgo/internal/app"
	"circadgo/internal/events"
	"circadgo/internal/models"
	"circadgo/internal/service/analysis"
	"circadgo/internal/watch"
)

type cli struct {
	args  []string
	stdin io.Reader
	out   io.Writer
}

func (c *cli) printf(format string, a ...any) {
	fmt.Fprintf(c.out, format, a...)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	return fs
}

type command func(ctx context.Context, a *app.App, c *cli) error

var commands = map[string]command{
	"serve":     serveCmd,
	"login":     loginCmd,
	"register":  registerCmd,
	"logout":    logoutCmd,
	"whoami":    whoamiCmd,
	"upload":    uploadCmd,
	"last":      lastCmd,
	"forecast":  forecastCmd,
	"results":   resultsCmd,
	"dashboard": dashboardCmd,
	"report":    reportCmd,
	"watch":     watchCmd,
	"live":      liveCmd,
	"admin":     adminCmd,
}

func serveCmd(ctx context.Context, a *app.App, c *cli) error {
	a.StartLive()
	router := gin.New()
	router.Use(gin.Recovery())
	a.Handler().RegisterRoutes(router)

	srv := &http.Server{Addr: a.Config.BasicConfig.ServerAddress, Handler: router}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.Log.Info("serving", zap.String("addr", srv.Addr))
	c.printf("listening on http://%s\n", srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func readPassword(c *cli) (string, error) {
	if pw := os.Getenv("CIRCAD_PASSWORD"); pw != "" {
		return pw, nil
	}
	c.printf("password: ")
	line, err := bufio.NewReader(c.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func credentialsCmd(do func(ctx context.Context, username, password string) error) command {
	return func(ctx context.Context, a *app.App, c *cli) error {
		if len(c.args) != 1 {
			return errors.New("expected a username")
		}
		password, err := readPassword(c)
		if err != nil {
			return err
		}
		if err := do(ctx, c.args[0], password); err != nil {
			return err
		}
		c.printf("signed in as %s\n", c.args[0])
		return nil
	}
}

func loginCmd(ctx context.Context, a *app.App, c *cli) error {
	return credentialsCmd(a.Auth.Login)(ctx, a, c)
}

func registerCmd(ctx context.Context, a *app.App, c *cli) error {
	return credentialsCmd(a.Auth.Register)(ctx, a, c)
}

func logoutCmd(ctx context.Context, a *app.App, c *cli) error {
	a.Auth.Logout(ctx)
	c.printf("signed out\n")
	return nil
}

func whoamiCmd(ctx context.Context, a *app.App, c *cli) error {
	user, ok := a.Auth.Session(ctx)
	if !ok {
		return errors.New("not signed in")
	}
	c.printf("%s\n", user)
	return nil
}

func uploadCmd(ctx context.Context, a *app.App, c *cli) error {
	fs := c.flags("upload")
	wait := fs.Bool("wait", false, "wait for queued analyses to finish")
	if err := fs.Parse(c.args); err != nil {
		return err
	}
	var file *analysis.File
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		file = &analysis.File{Name: filepath.Base(f.Name()), Content: f}
	}

	out, err := a.Orchestrator.Submit(ctx, file, func(msg string) { c.printf("%s\n", msg) })
	if err != nil {
		return err
	}
	if out.Kind == analysis.Queued {
		c.printf("task %s\n", out.TaskID)
		if !*wait {
			// Leaving now cancels the poll; the result can be fetched later.
			return nil
		}
		select {
		case <-out.Settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		polled, _ := out.Poll.Outcome()
		if polled.Err != nil {
			return polled.Err
		}
		out.Result = polled.Result
	}
	return printResult(c, out.Result)
}

func printResult(c *cli, r *models.AnalysisResult) error {
	if r == nil {
		return nil
	}
	c.printf("analysis %d: %s, mean %.2f, std %.2f, min %.2f, max %.2f\n",
		r.ID, r.Status, r.MeanResistance, r.StdDev, r.MinResistance, r.MaxResistance)
	if r.PredictedCondition != nil {
		confidence := ""
		if r.PredictedConfidence != nil {
			confidence = fmt.Sprintf(" (%.0f%%)", *r.PredictedConfidence*100)
		}
		c.printf("predicted: %s%s\n", *r.PredictedCondition, confidence)
	}
	if r.ForecastNextMean != nil {
		c.printf("forecast next mean: %.2f\n", *r.ForecastNextMean)
	}
	return nil
}

func lastCmd(ctx context.Context, a *app.App, c *cli) error {
	r, ok := a.Results.Get(ctx)
	if !ok {
		return errors.New("no analysis yet")
	}
	return c.printJSON(r)
}

func forecastCmd(ctx context.Context, a *app.App, c *cli) error {
	if len(c.args) != 1 {
		return errors.New("expected an analysis id")
	}
	id, err := strconv.ParseInt(c.args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid analysis id %q", c.args[0])
	}
	body, err := a.API.Forecast(ctx, id)
	if err != nil {
		return err
	}
	return c.printJSON(body)
}

func resultsCmd(ctx context.Context, a *app.App, c *cli) error {
	fs := c.flags("results")
	refresh := fs.Bool("refresh", false, "bypass the cache")
	if err := fs.Parse(c.args); err != nil {
		return err
	}
	results, err := a.History.Results(ctx, *refresh)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILE\tCREATED\tSTATUS\tMEAN")
	for _, r := range results {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%.2f\n",
			r.ID, r.FileID, r.CreatedAt.Local().Format(time.DateTime), r.Status, r.MeanResistance)
	}
	return tw.Flush()
}

func dashboardCmd(ctx context.Context, a *app.App, c *cli) error {
	fs := c.flags("dashboard")
	window := fs.Int("window", a.Config.BasicConfig.TrendWindow, "trend smoothing window")
	if err := fs.Parse(c.args); err != nil {
		return err
	}
	ov, err := a.History.Overview(ctx, *window)
	if err != nil {
		return err
	}
	return c.printJSON(ov)
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid analysis id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("at least one analysis id is required")
	}
	return ids, nil
}

func reportCmd(ctx context.Context, a *app.App, c *cli) error {
	if len(c.args) == 0 {
		return errors.New("expected pdf or csv")
	}
	kind := c.args[0]
	fs := c.flags("report " + kind)
	rawIDs := fs.String("ids", "", "comma separated analysis ids")
	title := fs.String("title", models.DefaultReportTitle, "report title (pdf)")
	signature := fs.Bool("signature", false, "include a signature block (pdf)")
	technician := fs.String("technician", "", "technician name (pdf)")
	if err := fs.Parse(c.args[1:]); err != nil {
		return err
	}
	ids, err := parseIDs(*rawIDs)
	if err != nil {
		return err
	}

	switch kind {
	case "pdf":
		out, err := a.Exporter.PDF(ctx, models.ReportRequest{
			AnalysisIDs:      ids,
			Title:            *title,
			IncludeSignature: *signature,
			TechnicianName:   *technician,
		})
		if err != nil {
			return err
		}
		return c.printJSON(out)
	case "csv":
		out, err := a.Exporter.CSV(ctx, ids)
		if err != nil {
			return err
		}
		return c.printJSON(out)
	}
	return fmt.Errorf("unknown report kind %q", kind)
}

func watchCmd(ctx context.Context, a *app.App, c *cli) error {
	fs := c.flags("watch")
	debounce := fs.Duration("debounce", watch.DefaultDebounce, "quiet period before a file is submitted")
	if err := fs.Parse(c.args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected a directory")
	}
	w, err := watch.New(fs.Arg(0), a.Orchestrator, a.Log,
		watch.WithDebounce(*debounce),
		watch.WithStatus(func(msg string) { c.printf("%s\n", msg) }),
		watch.WithOnResult(func(r watch.Result) {
			if r.Err != nil {
				c.printf("%s: %v\n", filepath.Base(r.Path), r.Err)
				return
			}
			_ = printResult(c, r.Outcome.Result)
		}),
	)
	if err != nil {
		return err
	}
	c.printf("watching %s\n", fs.Arg(0))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func liveCmd(ctx context.Context, a *app.App, c *cli) error {
	sub := a.Bus.Subscribe(32, events.LiveUpdate, events.LiveConnection)
	defer sub.Close()
	a.StartLive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-sub.C:
			switch {
			case e.Type == events.LiveConnection:
				c.printf("%s\n", e.Message)
			case e.Live != nil && e.Live.Data != nil:
				c.printf("%s (%s) analysis %d mean %.2f\n",
					e.Live.Message, e.Live.Data.Status, e.Live.Data.ID, e.Live.Data.MeanResistance)
			}
		}
	}
}

func adminCmd(ctx context.Context, a *app.App, c *cli) error {
	if len(c.args) == 0 {
		return errors.New("expected an admin operation")
	}
	op, rest := c.args[0], c.args[1:]
	idArg := func() (int64, error) {
		if len(rest) != 1 {
			return 0, fmt.Errorf("%s expects one id", op)
		}
		return strconv.ParseInt(rest[0], 10, 64)
	}

	var (
		body map[string]any
		err  error
	)
	switch op {
	case "status":
		body, err = a.API.SystemStatus(ctx)
	case "reset-all":
		body, err = a.API.ResetAll(ctx)
	case "reset-db":
		body, err = a.API.ResetDBOnly(ctx)
	case "clear-uploads":
		body, err = a.API.ClearUploads(ctx)
	case "delete-file":
		var id int64
		if id, err = idArg(); err == nil {
			body, err = a.API.DeleteFile(ctx, id)
		}
	case "delete-analysis":
		var id int64
		if id, err = idArg(); err == nil {
			body, err = a.API.DeleteAnalysis(ctx, id)
		}
	default:
		return fmt.Errorf("unknown admin operation %q", op)
	}
	if err != nil {
		return err
	}
	if op != "status" {
		a.History.Invalidate()
	}
	return c.printJSON(body)
}
