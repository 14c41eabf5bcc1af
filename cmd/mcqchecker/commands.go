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
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/HusnaQayyum/Master-Checker/internal/batch"
	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/handler"
	appI18n "github.com/HusnaQayyum/Master-Checker/internal/i18n"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /mcq)")
	f.Int64("max-upload", 32<<20, "Maximum multipart upload size in bytes")
	addStoreFlags(f)
	addRecognizerFlags(f)
	addBatchFlags(f)
	addLogFlags(f)
	return cmd
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key <image>",
		Short: "Read the master answer key from an image and save it",
		Args:  cobra.ExactArgs(1),
		RunE:  runKey,
	}
	f := cmd.Flags()
	f.String("name", "", "Key name (defaults to the file name)")
	f.Bool("dry-run", false, "Print the extracted key without saving it")
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	addStoreFlags(f)
	addRecognizerFlags(f)
	addLogFlags(f)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <image>...",
		Short: "Grade answer sheets against the saved master key",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	addStoreFlags(f)
	addRecognizerFlags(f)
	addBatchFlags(f)
	addLogFlags(f)
	return cmd
}

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List stored results",
		RunE:  runResults,
	}
	f := cmd.Flags()
	f.StringP("lang", "l", "en", "UI language (en, ru)")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the key, summary and results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.Bool("include-images", true, "Include the optimized sheet images as data URIs")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the master key, all results and run metadata",
		RunE:  runReset,
	}
	f := cmd.Flags()
	f.Bool("yes", false, "Confirm the reset")
	addStoreFlags(f)
	addLogFlags(f)
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	controller, rec, err := newController(ctx, v, db)
	if err != nil {
		return err
	}
	if err := pingRecognizer(ctx, rec, v); err != nil {
		return err
	}

	h, err := handler.New(db, controller, model.AppConfig{Lang: lang, MaxUploadBytes: v.GetInt64("max-upload")})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"recognizer", v.GetString("recognizer"),
			"db_driver", v.GetString("db-driver"),
			"lang", lang,
			"pace", v.GetDuration("pace"),
			"max_attempts", v.GetInt("max-attempts"),
			"base_path", basePath,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runKey(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(v.GetString("lang")))

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	controller, _, err := newController(ctx, v, db)
	if err != nil {
		return err
	}
	key, err := controller.ExtractMasterKey(ctx, batch.Upload{FileName: filepath.Base(args[0]), Data: data})
	if err != nil {
		return err
	}
	if name := strings.TrimSpace(v.GetString("name")); name != "" {
		key.Name = name
	}

	out := cmd.OutOrStdout()
	printKey(out, key)

	if v.GetBool("dry-run") {
		return nil
	}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("extracted key not saved: %w", err)
	}
	if existing, err := db.LoadAnswerKey(); err == nil && existing != nil {
		slog.Info("replacing answer key", "previous", existing.Name)
	}
	if err := db.SaveAnswerKey(key); err != nil {
		return err
	}
	fmt.Fprintln(out, appI18n.Td(ctx, "KeySaved", map[string]any{"Name": key.Name, "Count": key.TotalQuestions}))
	return nil
}

func printKey(w io.Writer, key *model.AnswerKey) {
	fmt.Fprintf(w, "%s (%d questions)\n", key.Name, key.TotalQuestions)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, q := range key.QuestionNumbers() {
		a := key.Answers[q]
		if a == "" {
			a = "?"
		}
		fmt.Fprintf(tw, "  %d\t%s\n", q, a)
	}
	tw.Flush()
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	key, err := db.LoadAnswerKey()
	if err != nil {
		return err
	}

	uploads := make([]batch.Upload, 0, len(args))
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		uploads = append(uploads, batch.Upload{FileName: filepath.Base(path), Data: data})
	}

	controller, _, err := newController(ctx, v, db)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	report, err := controller.RunBatch(ctx, key, uploads, func(p batch.Progress) {
		if p.Index < 0 {
			return
		}
		s := p.Statuses[p.Index]
		if s.Status.Terminal() {
			fmt.Fprintln(out, statusLine(ctx, p.Index, len(p.Statuses), s))
		}
	})
	if report == nil {
		switch {
		case errors.Is(err, batch.ErrNoAnswerKey):
			return errors.New(appI18n.T(ctx, "NoAnswerKey"))
		case errors.Is(err, grading.ErrEmptyAnswerKey):
			return errors.New(appI18n.T(ctx, "EmptyAnswerKey"))
		case errors.Is(err, batch.ErrBatchEmpty):
			return errors.New(appI18n.T(ctx, "BatchEmpty"))
		}
		return err
	}
	if errors.Is(err, batch.ErrSaveResults) {
		return err
	}

	fmt.Fprintln(out, appI18n.Tp(ctx, "SheetsGraded", len(report.Results)))
	if failed := report.Failed(); failed > 0 {
		fmt.Fprintln(out, appI18n.Tp(ctx, "SheetsFailed", failed))
	}
	return err
}

func statusLine(ctx context.Context, i, n int, s model.ProcessStatus) string {
	prefix := fmt.Sprintf("[%d/%d] %s", i+1, n, s.FileName)
	if s.Status == model.StatusError {
		return fmt.Sprintf("%s: %s", prefix, appI18n.T(ctx, s.ErrorCode))
	}
	r := s.Result
	return fmt.Sprintf("%s: %s (%s) %d/%d %.1f%% %s", prefix, r.StudentName, r.StudentID, r.Score, r.TotalQuestions, r.Percentage, r.Grade)
}

func runResults(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(v.GetString("lang")))

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ListResults()
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, appI18n.T(ctx, "NoResults"))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTUDENT\tID\tSCORE\tPERCENT\tGRADE\tCHECKED")
	for i, r := range results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%.1f%%\t%s\t%s\n",
			i+1, r.StudentName, r.StudentID, r.Score, r.TotalQuestions, r.Percentage, r.Grade,
			r.CheckedAt.Local().Format(time.DateTime))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	key, err := db.LoadAnswerKey()
	if err != nil {
		return fmt.Errorf("load answer key: %w", err)
	}
	fmt.Fprintln(out)
	printSummary(ctx, out, grading.Summarize(key, results))
	return nil
}

func printSummary(ctx context.Context, w io.Writer, s model.Summary) {
	fmt.Fprintln(w, appI18n.Td(ctx, "AverageScore", map[string]any{"Score": s.AverageScore}))
	fmt.Fprintln(w, appI18n.Td(ctx, "TopScore", map[string]any{"Score": s.TopScore}))
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.Export(v.GetBool("include-images"), time.Now())
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	slog.Info("exported results", "results", len(export.Results), "output", outPath)
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if !v.GetBool("yes") {
		return errors.New("refusing to delete all data without --yes")
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Clear(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	slog.Info("all data cleared")
	return nil
}
