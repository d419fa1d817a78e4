// pillminder is the reminder daemon.  It serves the JSON API used by the host
// UI, fires due notifications from the local trigger table, and sweeps expired
// reminders.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pillminder/api"
	"pillminder/dblayer"
	"pillminder/extract"
	"pillminder/gcstable"
	"pillminder/healthz"
	"pillminder/httpmetrics"
	"pillminder/kvstore"
	"pillminder/localnotify"
	"pillminder/mirror"
	"pillminder/reminders"
	"pillminder/scheduler"
	"pillminder/sink"
	"pillminder/store"

	"cloud.google.com/go/firestore"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/storage"
	cloudmetrics "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	cloudtrace "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/dgraph-io/badger"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/sendgrid/sendgrid-go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	googleopt "google.golang.org/api/option"
	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

var (
	debugListen = flag.String("debug-listen", "127.0.0.1:8001", "Server address:port for debug endpoint.")
	apiListen   = flag.String("api-listen", "127.0.0.1:8000", "Server address:port for the JSON API.")
	dataDir     = flag.String("data-dir", "", "Directory for the local badger database.")
	clearData   = flag.Bool("clear-data", false, "Remove the local database before starting.")

	remote      = flag.String("remote", "firestore", "Durable reminder store: firestore or gcs.")
	dataProject = flag.String("data-project", "", "GCP project that contains the application state.")
	gcsBucket   = flag.String("gcs-bucket", "", "GCS bucket used when --remote=gcs.")

	strictPermissions = flag.Bool("strict-permissions", true, "Fail scheduling when notification permission is denied.")
	requireTime       = flag.Bool("require-time", false, "Refuse to default the reminder time when timing text is ambiguous.")
	enforceDuration   = flag.Bool("enforce-duration", false, "Cancel reminders once their prescription duration has elapsed.")
	sweepPeriod       = flag.Duration("sweep-period", 15*time.Minute, "Time between expired-reminder sweeps.")

	deliver     = flag.Bool("deliver", true, "Deliver notifications.  Without delivery, notification permission is denied.")
	tick        = flag.Duration("tick", 30*time.Second, "Time between trigger table scans.")
	maxLateness = flag.Duration("max-lateness", time.Hour, "Skip occurrences older than this.")

	sendgridKeySecret = flag.String("sendgrid-key-secret", "", "GCP Secret Manager secret name that contains the Sendgrid API key.")
	notifyEmail       = flag.String("notify-email", "", "Email address that receives reminders.")
	telegramChat      = flag.Int64("telegram-chat", 0, "Telegram chat that receives reminders.  The bot token is read from TELEGRAM_TOKEN.")

	monitoring           = flag.Bool("monitoring", false, "Enable monitoring?")
	monitoringProject    = flag.String("monitoring-project", "", "Override project used for monitoring integration.  If not specified, the project associated with Application Default Credentials is used.")
	monitoringTraceRatio = flag.Float64("monitoring-trace-ratio", 0.01, "What ratio of traces should be exported?")
)

func main() {
	// A missing .env is fine; production takes its secrets from the
	// environment or Secret Manager.
	godotenv.Load()

	flag.Parse()

	glog.CopyStandardLogTo("INFO")

	glog.Infof("flags:")
	flag.VisitAll(func(f *flag.Flag) {
		glog.Infof("%s: %q", f.Name, f.Value.String())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := do(ctx); err != nil {
		glog.Exitf("Error: %v", err)
	}
}

func do(ctx context.Context) error {
	if *dataDir == "" {
		return fmt.Errorf("--data-dir is required")
	}

	if *monitoring {
		metricsOpts := []cloudmetrics.Option{}
		traceOpts := []cloudtrace.Option{}
		if *monitoringProject != "" {
			metricsOpts = append(metricsOpts, cloudmetrics.WithProjectID(*monitoringProject))
			traceOpts = append(traceOpts, cloudtrace.WithProjectID(*monitoringProject))
		}

		_, traceShutdown, err := cloudtrace.InstallNewPipeline(traceOpts, sdktrace.WithSampler(sdktrace.TraceIDRatioBased(*monitoringTraceRatio)))
		if err != nil {
			return fmt.Errorf("while installing Cloud Trace pipeline: %w", err)
		}
		defer traceShutdown()

		pusher, err := cloudmetrics.InstallNewPipeline(metricsOpts)
		if err != nil {
			return fmt.Errorf("while installing Cloud Monitoring pipeline: %w", err)
		}
		defer pusher.Stop(ctx)
	}

	if err := localnotify.RegisterViews(); err != nil {
		return fmt.Errorf("while registering facility views: %w", err)
	}

	db, err := kvstore.Open(*dataDir, *clearData)
	if err != nil {
		return fmt.Errorf("while opening local database: %w", err)
	}
	defer db.Close()

	rem, err := newRemote(ctx)
	if err != nil {
		return fmt.Errorf("while creating remote store: %w", err)
	}

	facilityOpts := []localnotify.Opt{
		localnotify.WithTick(*tick),
		localnotify.WithMaxLateness(*maxLateness),
	}
	if *deliver {
		snk, err := newSink(ctx)
		if err != nil {
			return fmt.Errorf("while creating delivery sinks: %w", err)
		}
		facilityOpts = append(facilityOpts, localnotify.WithDelivery(snk))
	}
	facility := localnotify.New(db, facilityOpts...)

	sched := scheduler.New(facility, scheduler.Config{
		StrictPermissions:        *strictPermissions,
		RequireTimeWhenAmbiguous: *requireTime,
	})
	st := store.New(rem, mirror.New(db), sched)
	svc := reminders.New(sched, st,
		reminders.WithEnforceDuration(*enforceDuration),
		reminders.WithSweepPeriod(*sweepPeriod),
	)

	apiOpts := []api.Opt{}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		apiOpts = append(apiOpts, api.WithExtractor(extract.New(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"))))
	} else {
		glog.Infof("OPENAI_API_KEY not set; POST /extract disabled")
	}

	debugServeMux := http.NewServeMux()
	debugServeMux.Handle("/healthz", healthz.New(nil))
	debugServeMux.Handle("/readyz", healthz.New(map[string]healthz.Check{
		"badger": func(ctx context.Context) error {
			return db.View(func(txn *badger.Txn) error { return nil })
		},
	}))
	debugServeMux.Handle("/debug/stats", &statsHandler{})
	debugServeMux.HandleFunc("/debug/pprof/", pprof.Index)
	debugServeMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	debugServeMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	debugServeMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	debugServeMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	debugServer := &http.Server{
		Addr:    *debugListen,
		Handler: debugServeMux,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	apiServeMux := http.NewServeMux()
	api.New(svc, sched, apiOpts...).Register(apiServeMux)
	metricsWrapper := httpmetrics.New(apiServeMux)
	if err := metricsWrapper.RegisterMetrics(); err != nil {
		return fmt.Errorf("while registering API views: %w", err)
	}
	apiServer := &http.Server{
		Addr:    *apiListen,
		Handler: metricsWrapper,

		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := debugServer.ListenAndServe(); err != nil {
			glog.Fatalf("Debug server died: %v", err)
		}
	}()

	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			glog.Fatalf("API server died: %v", err)
		}
	}()

	go func() {
		facility.Run(ctx)
	}()

	go func() {
		svc.Run(ctx)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("Error while shutting down API server: %v", err)
	}

	glog.Flush()

	return nil
}

func newRemote(ctx context.Context) (store.Remote, error) {
	switch *remote {
	case "firestore":
		fstore, err := firestore.NewClient(ctx, *dataProject)
		if err != nil {
			return nil, fmt.Errorf("while creating FireStore client: %w", err)
		}
		return dblayer.New(fstore), nil
	case "gcs":
		if *gcsBucket == "" {
			return nil, fmt.Errorf("--gcs-bucket is required with --remote=gcs")
		}
		gcs, err := storage.NewClient(ctx, googleopt.WithGRPCConnectionPool(1))
		if err != nil {
			return nil, fmt.Errorf("while creating GCS client: %w", err)
		}
		return gcstable.New(gcs, *gcsBucket), nil
	}
	return nil, fmt.Errorf("unknown --remote %q", *remote)
}

func newSink(ctx context.Context) (sink.Sink, error) {
	sinks := []sink.Sink{sink.Log{}}

	if *sendgridKeySecret != "" && *notifyEmail != "" {
		sg, err := newSendgridClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("while creating Sendgrid client: %w", err)
		}
		sinks = append(sinks, sink.NewSendGrid(sg, *notifyEmail))
	}

	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" && *telegramChat != 0 {
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return nil, fmt.Errorf("while creating Telegram bot: %w", err)
		}
		glog.Infof("Authorized on Telegram account %s", bot.Self.UserName)
		sinks = append(sinks, sink.NewTelegram(bot, *telegramChat))
	}

	return sink.NewMulti(4, sinks...), nil
}

func newSendgridClient(ctx context.Context) (*sendgrid.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secretClient, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("while creating Secret Manager client: %w", err)
	}
	defer secretClient.Close()

	resp, err := secretClient.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", *dataProject, *sendgridKeySecret),
	})
	if err != nil {
		return nil, fmt.Errorf("while pulling secret: %w", err)
	}

	return sendgrid.NewSendClient(string(resp.GetPayload().GetData())), nil
}
