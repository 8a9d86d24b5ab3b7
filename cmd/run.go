package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-bridge/internal/pkg/bridge"
	"github.com/jake-scott/nest-bridge/internal/pkg/domoticz"
	"github.com/jake-scott/nest-bridge/internal/pkg/gateway"
	"github.com/jake-scott/nest-bridge/internal/pkg/handlers"
	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
	"github.com/jake-scott/nest-bridge/internal/pkg/metrics"
	"github.com/jake-scott/nest-bridge/internal/pkg/nestauth"
	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
	"github.com/jake-scott/nest-bridge/pkg/middlewares"
)

var _runCmdOpts struct {
	httpPort         uint16
	gracefulTimeout  time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	googleapiTimeout time.Duration
	logRequests      bool

	heartbeat     time.Duration
	pollInterval  time.Duration
	backoffTime   time.Duration
	refreshWindow time.Duration
	maxCommands   int

	domoticzURL        string
	domoticzUsername   string
	domoticzPassword   string
	domoticzHardwareID int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge service",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRun(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("google.sdm.client-id", "google.sdm.client-secret",
			"google.device-access.project")
	},
}

func init() {
	runCmd.Flags().Uint16Var(&_runCmdOpts.httpPort, "http-port", 8086, "diagnostics HTTP port number")
	runCmd.Flags().DurationVar(&_runCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.googleapiTimeout, "googleapi-timeout", time.Second*15, "maximum duration of a Google API call, eg. 1m or 10s")
	runCmd.Flags().BoolVar(&_runCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")

	runCmd.Flags().DurationVar(&_runCmdOpts.heartbeat, "heartbeat", time.Second*10, "scheduler tick granularity, eg. 10s")
	runCmd.Flags().DurationVar(&_runCmdOpts.pollInterval, "poll-interval", time.Second*30, "minimum time between device polls, eg. 30s")
	runCmd.Flags().DurationVar(&_runCmdOpts.backoffTime, "backoff-time", time.Second*60, "polling pause after a connection failure, eg. 1m")
	runCmd.Flags().DurationVar(&_runCmdOpts.refreshWindow, "refresh-window", time.Second*300, "proactive token refresh window, eg. 5m")
	runCmd.Flags().IntVar(&_runCmdOpts.maxCommands, "max-commands", 2, "maximum concurrent command dispatches")

	runCmd.Flags().StringVar(&_runCmdOpts.domoticzURL, "domoticz-url", "", "base URL of the Domoticz instance, eg. http://127.0.0.1:8080")
	runCmd.Flags().StringVar(&_runCmdOpts.domoticzUsername, "domoticz-username", "", "Domoticz basic auth username")
	runCmd.Flags().StringVar(&_runCmdOpts.domoticzPassword, "domoticz-password", "", "Domoticz basic auth password")
	runCmd.Flags().IntVar(&_runCmdOpts.domoticzHardwareID, "domoticz-hardware-id", 0, "Domoticz hardware record ID that owns our devices")

	errPanic(viper.GetViper().BindPFlag("http.port", runCmd.Flags().Lookup("http-port")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", runCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", runCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", runCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("google.device-access.api-timeout", runCmd.Flags().Lookup("googleapi-timeout")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", runCmd.Flags().Lookup("log-requests")))

	errPanic(viper.GetViper().BindPFlag("scheduler.heartbeat", runCmd.Flags().Lookup("heartbeat")))
	errPanic(viper.GetViper().BindPFlag("scheduler.poll-interval", runCmd.Flags().Lookup("poll-interval")))
	errPanic(viper.GetViper().BindPFlag("scheduler.backoff-time", runCmd.Flags().Lookup("backoff-time")))
	errPanic(viper.GetViper().BindPFlag("scheduler.refresh-window", runCmd.Flags().Lookup("refresh-window")))
	errPanic(viper.GetViper().BindPFlag("scheduler.max-commands", runCmd.Flags().Lookup("max-commands")))

	errPanic(viper.GetViper().BindPFlag("domoticz.url", runCmd.Flags().Lookup("domoticz-url")))
	errPanic(viper.GetViper().BindPFlag("domoticz.username", runCmd.Flags().Lookup("domoticz-username")))
	errPanic(viper.GetViper().BindPFlag("domoticz.password", runCmd.Flags().Lookup("domoticz-password")))
	errPanic(viper.GetViper().BindPFlag("domoticz.hardware-id", runCmd.Flags().Lookup("domoticz-hardware-id")))

	rootCmd.AddCommand(runCmd)
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) || viper.GetString(f) == "" {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

func doRun() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	proj := viper.GetString("google.device-access.project")
	apiTimeout := viper.GetDuration("google.device-access.api-timeout")
	clientID := viper.GetString("google.sdm.client-id")
	clientSecret := viper.GetString("google.sdm.client-secret")
	refreshToken := viper.GetString("google.sdm.refresh-token")
	credentialFile := viper.GetString("google.sdm.credential-file")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	registry := prometheus.NewRegistry()
	mets, err := metrics.NewMetrics(registry)
	if err != nil {
		return err
	}

	host := buildHost(clientID, clientSecret, proj)

	authOpts := []nestauth.Option{
		nestauth.WithObserver(mets.RecordRefresh),
	}
	if credentialFile != "" {
		authOpts = append(authOpts, nestauth.WithSnapshotPath(credentialFile))
	}
	authOpts = append(authOpts, nestauth.WithRotationFunc(func(newRefreshToken string) error {
		return host.StoreRefreshToken(context.Background(), newRefreshToken)
	}))

	tokens := nestauth.NewManager(clientID, clientSecret, refreshToken, authOpts...)

	sdm := sdmapi.NewLiveClient(proj).WithTimeout(apiTimeout)
	gw := gateway.New(sdm, tokens, gateway.WithRecorder(mets))

	br := bridge.New(host, tokens, gw,
		bridge.WithRecorder(mets),
		bridge.WithPollInterval(viper.GetDuration("scheduler.poll-interval")),
		bridge.WithBackoffTime(viper.GetDuration("scheduler.backoff-time")),
		bridge.WithRefreshWindow(viper.GetDuration("scheduler.refresh-window")),
	)

	ctx := context.Background()
	if err := br.Start(ctx, nil); err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	// The heartbeat is finer grained than the poll interval; the
	// bridge self-gates each tick
	_, err = scheduler.NewJob(
		gocron.DurationJob(viper.GetDuration("scheduler.heartbeat")),
		gocron.NewTask(func() {
			br.Tick(ctx)
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	diag := handlers.NewDiag(br, tokens, viper.GetInt("scheduler.max-commands"))

	r := mux.NewRouter()
	r.Use(middlewares.NewCorsMw(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	diag.Register(r)
	r.Handle("/metrics", mets.Handler()).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("Serving diagnostics on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(nil).Info("shutting down")

	if err := scheduler.Shutdown(); err != nil {
		logging.Logger(nil).WithError(err).Error("stopping scheduler")
	}
	br.Stop(shutdownCtx)
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}

// buildHost returns the Domoticz glue when a URL is configured, or a
// no-op host for standalone operation.
func buildHost(clientID, clientSecret, projectID string) bridge.Host {
	baseURL := viper.GetString("domoticz.url")
	if baseURL == "" {
		logging.Logger(nil).Info("No Domoticz URL configured, running standalone")
		return bridge.NopHost{}
	}

	opts := []domoticz.Option{
		domoticz.WithHardwareSettings(viper.GetInt("domoticz.hardware-id"), clientID, clientSecret, projectID),
	}
	if username := viper.GetString("domoticz.username"); username != "" {
		opts = append(opts, domoticz.WithBasicAuth(username, viper.GetString("domoticz.password")))
	}

	return domoticz.New(baseURL, opts...)
}
