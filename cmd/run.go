package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/9triver/mutator/internal/config"
	"github.com/9triver/mutator/internal/history"
	"github.com/9triver/mutator/internal/launch"
	"github.com/9triver/mutator/internal/loader"
	"github.com/9triver/mutator/internal/mutator"
	"github.com/9triver/mutator/internal/pe"
	"github.com/9triver/mutator/internal/protocol"
	wstransport "github.com/9triver/mutator/internal/transport/websocket"
	"github.com/9triver/mutator/internal/util"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Exit codes of the sample client.
const (
	exitOK         = 0
	exitSetup      = 1
	exitAuth       = 2
	exitInitialize = 3
	exitProceed    = 4
)

func run(ctx context.Context, cfg *config.Config) int {
	if err := cfg.Validate(); err != nil {
		logrus.Errorf("Invalid configuration: %v", err)
		return exitSetup
	}

	if cfg.Metrics.ListenAddr != "" {
		stop := serveMetrics(cfg.Metrics.ListenAddr)
		defer stop()
	}

	rec := newRecorder(ctx, cfg)
	session := mutator.New(dialer(cfg),
		mutator.WithRunID(rec.run.ID),
		mutator.WithRequestTimeout(time.Duration(cfg.Server.RequestTimeoutSeconds)*time.Second),
		mutator.WithConnectTimeout(time.Duration(cfg.Server.HandshakeTimeoutSeconds)*time.Second),
		mutator.WithLoaderOptions(loader.Options{
			BinaryExtensions: cfg.Input.BinaryExtensions,
			SkipValidation:   cfg.Input.SkipValidation,
		}),
	)
	rec.session = session
	defer func() {
		rec.finish()
		session.Close()
	}()

	logrus.Info("hello, sample!")

	if err := session.Connect(ctx); err != nil {
		logrus.Errorf("Failed to set up session: %v", err)
		rec.fail(err)
		return exitSetup
	}

	ok, err := session.Authenticate(ctx, cfg.Credentials.Username, cfg.Credentials.Password)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("credentials rejected")
		}
		logrus.Errorf("Failed to auth, check your credentials and subscription: %v", err)
		rec.fail(err)
		return exitAuth
	}

	if _, err := session.LoadInputs(cfg.Input.Directory); err != nil {
		rec.fail(err)
		return exitSetup
	}
	if err := configure(session, cfg); err != nil {
		logrus.Errorf("Failed to configure session: %v", err)
		rec.fail(err)
		return exitSetup
	}

	status, err := session.Initialize(ctx)
	rec.run.Status = status.String()
	if err != nil || status != mutator.StatusSuccess {
		if err == nil {
			err = fmt.Errorf("initialize returned %s (code %d)", status, int(status))
		}
		logrus.Errorf("Error occurred: %v", err)
		rec.fail(err)
		return exitInitialize
	}
	logrus.Info("Mutator has been successfully initialized!")

	if cfg.Launch.Manifest == "" {
		return exitOK
	}

	outputs, err := finalize(ctx, session, cfg)
	rec.run.Outputs = outputs
	if err != nil {
		logrus.Errorf("Mapping failed: %v", err)
		rec.fail(err)
		return exitProceed
	}
	rec.run.Succeeded = true
	return exitOK
}

func dialer(cfg *config.Config) mutator.Dialer {
	wsCfg := wstransport.Config{
		URL:                cfg.Server.URL,
		InsecureSkipVerify: cfg.Server.InsecureSkipVerify,
		HandshakeTimeout:   time.Duration(cfg.Server.HandshakeTimeoutSeconds) * time.Second,
		WriteTimeout:       time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		MaxMessageSize:     cfg.Server.MaxMessageBytes,
	}
	return func(ctx context.Context) (mutator.Channel, error) {
		ch, err := wstransport.Dial(ctx, wsCfg)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// configure applies options and registers the configured callbacks.
func configure(session *mutator.Session, cfg *config.Config) error {
	options := map[mutator.OptionKind]bool{
		mutator.OptionShuffle:         cfg.Options.Shuffle,
		mutator.OptionPartition:       cfg.Options.Partition,
		mutator.OptionVerifyPartition: cfg.Options.VerifyPartition,
	}
	for kind, enabled := range options {
		if err := session.SetOption(kind, enabled); err != nil {
			return err
		}
	}

	for _, cb := range cfg.Callbacks {
		kind, err := protocol.ParseCallbackKind(cb.Kind)
		if err != nil {
			return err
		}
		handler, err := callbackHandler(kind, cb.DataFile)
		if err != nil {
			return err
		}
		if err := session.AddCallback(kind, handler); err != nil {
			return err
		}
	}
	return nil
}

// callbackHandler logs every invocation and, for export kinds with a data file,
// answers with the file contents.
func callbackHandler(kind mutator.CallbackKind, dataFile string) (mutator.CallbackHandler, error) {
	var data []byte
	if dataFile != "" {
		var err error
		if data, err = os.ReadFile(dataFile); err != nil {
			return nil, fmt.Errorf("callback %s: %w", kind, err)
		}
	}
	return func(_ context.Context, call mutator.Callback) {
		export, ok := call.(*mutator.ExportCall)
		if !ok {
			logrus.Infof("Callback %s", call.Kind())
			return
		}
		logrus.Infof("Callback %s for export %q", kind, export.Name)
		if data != nil {
			export.SetData(data)
		}
	}, nil
}

func finalize(ctx context.Context, session *mutator.Session, cfg *config.Config) ([]string, error) {
	md, err := session.GetMapperData(ctx)
	if err != nil {
		return nil, err
	}

	manifest, err := launch.LoadManifest(cfg.Launch.Manifest)
	if err != nil {
		return nil, err
	}
	info, err := launch.Build(md, manifest, manifest)
	if err != nil {
		return nil, err
	}

	result, err := session.Proceed(ctx, info)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded {
		return nil, fmt.Errorf("server reported failure: %s", strings.TrimSpace(string(result.Data)))
	}
	return writeOutputs(cfg, result.Binaries)
}

// writeOutputs stores each binary as <input name><suffix>[.<n>]<ext> in the output dir.
func writeOutputs(cfg *config.Config, binaries [][]byte) ([]string, error) {
	if len(binaries) == 0 {
		return nil, errors.New("server returned no binaries")
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	name, ext := "output", ".dll"
	if len(cfg.Input.BinaryExtensions) > 0 {
		ext = cfg.Input.BinaryExtensions[0]
	}
	if matches, _ := filepath.Glob(filepath.Join(cfg.Input.Directory, "*"+ext)); len(matches) == 1 {
		base := filepath.Base(matches[0])
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	paths := make([]string, 0, len(binaries))
	for i, bin := range binaries {
		file := name + cfg.Output.Suffix + ext
		if len(binaries) > 1 {
			file = fmt.Sprintf("%s%s.%d%s", name, cfg.Output.Suffix, i, ext)
		}
		path := filepath.Join(cfg.Output.Dir, file)
		if err := os.WriteFile(path, bin, 0644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)

		if info, err := pe.Inspect(bin); err == nil {
			logrus.Infof("Wrote %s (%d bytes, machine %#x, dll=%v, %d sections)",
				path, len(bin), info.Machine, info.IsDLL, len(info.Sections))
		} else {
			logrus.Infof("Wrote %s (%d bytes)", path, len(bin))
		}
	}
	return paths, nil
}

func serveMetrics(addr string) func() {
	mutator.RegisterMetrics()
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Warnf("Metrics server stopped: %v", err)
		}
	}()
	logrus.Infof("Metrics available on %s/metrics", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// recorder keeps the history row for this run up to date.
type recorder struct {
	ctx     context.Context
	repo    history.Repository
	run     *history.Run
	session *mutator.Session
}

func newRecorder(ctx context.Context, cfg *config.Config) *recorder {
	rec := &recorder{
		ctx: ctx,
		run: &history.Run{
			ID:        util.NewRunID(),
			User:      cfg.Credentials.Username,
			Server:    cfg.Server.URL,
			InputDir:  cfg.Input.Directory,
			StartedAt: time.Now(),
		},
	}
	if !cfg.History.Enabled {
		return rec
	}

	repo, err := history.NewRunRepoSQLite(cfg.History.DBPath, &history.Options{
		MaxOpenConns:           cfg.History.MaxOpenConns,
		MaxIdleConns:           cfg.History.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.History.ConnMaxLifetimeSeconds,
	})
	if err != nil {
		logrus.Warnf("Run history disabled: %v", err)
		return rec
	}
	rec.repo = repo
	return rec
}

func (r *recorder) fail(err error) {
	r.run.Error = err.Error()
}

func (r *recorder) finish() {
	if r.session != nil {
		r.run.Stage = r.session.Reached().String()
		r.run.SessionID = r.session.SessionID()
	}
	r.run.EndedAt = time.Now()
	if r.repo == nil {
		return
	}
	defer r.repo.Close()

	// 信号取消后仍要写入记录
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := r.repo.Save(ctx, r.run); err != nil {
		logrus.Warnf("Failed to record run %s: %v", r.run.ID, err)
	}
}
