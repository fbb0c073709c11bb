package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/akaiHuang/api-less-creative-automation/app/actions"
	"github.com/akaiHuang/api-less-creative-automation/app/artifacts"
	"github.com/akaiHuang/api-less-creative-automation/app/events"
	"github.com/akaiHuang/api-less-creative-automation/app/monitor"
	"github.com/akaiHuang/api-less-creative-automation/app/notify"
	"github.com/akaiHuang/api-less-creative-automation/app/session"
	"github.com/akaiHuang/api-less-creative-automation/app/web"
	"github.com/akaiHuang/api-less-creative-automation/app/web/persistence"
)

var opts struct {
	Target struct {
		URL              string `long:"url" env:"URL" default:"https://app.example.com/generate" description:"generation page URL"`
		Host             string `long:"host" env:"HOST" default:"app.example.com" description:"host matched when picking an attached page"`
		CDNHost          string `long:"cdn-host" env:"CDN_HOST" default:"media.example.com" description:"host serving generated media"`
		VideoTemplate    string `long:"video-template" env:"VIDEO_TEMPLATE" default:"https://media.example.com/jobs/%s/%d.mp4" description:"artifact URL template (job id, index)"`
		ThumbTemplate    string `long:"thumb-template" env:"THUMB_TEMPLATE" default:"https://media.example.com/jobs/%s/%d.webp" description:"thumbnail URL template (job id, index)"`
		StatusURLPattern string `long:"status-pattern" env:"STATUS_PATTERN" default:"/api/jobs/" description:"substring marking job status network responses"`
	} `group:"target" namespace:"target" env-namespace:"CVA_TARGET"`

	Browser struct {
		CDPEndpoint string `long:"cdp-endpoint" env:"CDP_ENDPOINT" default:"http://127.0.0.1:9222" description:"debugging endpoint for attach mode"`
		ProfileDir  string `long:"profile-dir" env:"PROFILE_DIR" default:"var/browser-profile" description:"persistent profile dir for standalone mode"`
		UserAgent   string `long:"user-agent" env:"USER_AGENT" description:"user agent for standalone launches"`
		Headless    bool   `long:"headless" env:"HEADLESS" description:"run standalone browser headless"`
	} `group:"browser" namespace:"browser" env-namespace:"CVA_BROWSER"`

	Monitor struct {
		Tick           time.Duration `long:"tick" env:"TICK" default:"2s" description:"probe tick interval"`
		SettleDelay    time.Duration `long:"settle" env:"SETTLE" default:"3s" description:"post-completion settle before artifact resolution"`
		StableTicks    int           `long:"stable-ticks" env:"STABLE_TICKS" default:"5" description:"identical high readings treated as completion"`
		StableMin      int           `long:"stable-min" env:"STABLE_MIN" default:"85" description:"minimum progress for the stable dwell rule"`
		SustainedTicks int           `long:"sustained-ticks" env:"SUSTAINED_TICKS" default:"15" description:"high readings treated as completion"`
		SustainedMin   int           `long:"sustained-min" env:"SUSTAINED_MIN" default:"90" description:"minimum progress for the sustained rule"`
	} `group:"monitor" namespace:"monitor" env-namespace:"CVA_MONITOR"`

	Artifacts struct {
		WaitTimeout  time.Duration `long:"wait-timeout" env:"WAIT_TIMEOUT" default:"180s" description:"upload-and-wait hard bound"`
		PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"2s" description:"existence poll interval"`
		MaxPerJob    int           `long:"max-per-job" env:"MAX_PER_JOB" default:"4" description:"artifact grid size per job"`
		Concurrency  int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"parallel existence checks"`
	} `group:"artifacts" namespace:"artifacts" env-namespace:"CVA_ARTIFACTS"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"3" description:"how many times to repeat failed artifact checks"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"500ms" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"CVA_REPEATER"`

	Web struct {
		Address        string `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		AuthHash       string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash enabling basic auth"`
		UploadMaxBytes int64  `long:"upload-max" env:"UPLOAD_MAX" default:"10485760" description:"max accepted upload image size"`
	} `group:"web" namespace:"web" env-namespace:"CVA_WEB"`

	Notify struct {
		CompletionWebhook string        `long:"completion-webhook" env:"COMPLETION_WEBHOOK" description:"webhook URL for completion notifications"`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"webhook delivery timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"CVA_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable file logging"`
		Filename        string `long:"file" env:"FILE" default:"var/cva.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"CVA_LOG"`

	DB         string `long:"db" env:"CVA_DB" default:"var/jobs.db" description:"completed jobs database"`
	LoginCheck string `long:"login-check" env:"CVA_LOGIN_CHECK" default:"@every 5m" description:"schedule for background login re-checks, empty disables"`
	Dbg        bool   `long:"dbg" env:"CVA_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("creative-automation %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Fatalf("[ERROR] service failed, %v", err)
	}
}

// run wires the components and blocks until the context is canceled
func run(ctx context.Context) error {
	store, err := persistence.NewSQLiteStore(opts.DB)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		if e := store.Close(); e != nil {
			log.Printf("[WARN] failed to close job store: %v", e)
		}
	}()

	broadcaster := events.NewBroadcaster(64)
	registry := monitor.NewRegistry()

	// session and monitor reference each other, the network fast path feeds
	// progress into the reconciler once both exist
	var mon *monitor.Monitor

	sess := session.NewManager(session.Params{
		TargetURL:        opts.Target.URL,
		TargetHost:       opts.Target.Host,
		CDPEndpoint:      opts.Browser.CDPEndpoint,
		ProfileDir:       opts.Browser.ProfileDir,
		UserAgent:        opts.Browser.UserAgent,
		Headless:         opts.Browser.Headless,
		StatusURLPattern: opts.Target.StatusURLPattern,
		OnJobUpdate: func(jobID string, progress int, payload map[string]any) {
			if mon != nil {
				mon.ApplyNetworkUpdate(jobID, progress, payload)
			}
		},
	})
	defer func() {
		if e := sess.Close(); e != nil {
			log.Printf("[WARN] session close: %v", e)
		}
	}()

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	resolver := artifacts.New(artifacts.Params{
		Client:        &http.Client{Timeout: 10 * time.Second},
		Repeater:      rptr,
		VideoTemplate: opts.Target.VideoTemplate,
		ThumbTemplate: opts.Target.ThumbTemplate,
		MaxPerJob:     opts.Artifacts.MaxPerJob,
		WaitTimeout:   opts.Artifacts.WaitTimeout,
		PollInterval:  opts.Artifacts.PollInterval,
		Concurrency:   opts.Artifacts.Concurrency,
	})

	notifier := makeNotifier()

	mon = monitor.New(monitor.Params{
		Pages: func() (monitor.Page, bool) {
			page, ok := sess.ActivePage()
			if !ok {
				return nil, false
			}
			return page, true
		},
		Registry:             registry,
		Events:               broadcaster,
		OnComplete:           completionHandler(ctx, sess, resolver, store, broadcaster, notifier),
		CDNHost:              opts.Target.CDNHost,
		TickInterval:         opts.Monitor.Tick,
		SettleDelay:          opts.Monitor.SettleDelay,
		StableTicks:          opts.Monitor.StableTicks,
		StableMinProgress:    opts.Monitor.StableMin,
		SustainedTicks:       opts.Monitor.SustainedTicks,
		SustainedMinProgress: opts.Monitor.SustainedMin,
	})

	exec := actions.New(actions.Params{
		Surfaces: func() (actions.Surface, bool) {
			page, ok := sess.ActivePage()
			if !ok {
				return nil, false
			}
			return actions.NewSurface(page), true
		},
		LoggedIn:     func() bool { return sess.Status().IsLoggedIn },
		Registry:     registry,
		Events:       broadcaster,
		StartMonitor: func() { mon.Start(ctx) },
		SettleDelay:  opts.Monitor.SettleDelay,
		CDNHost:      opts.Target.CDNHost,
	})

	if opts.LoginCheck != "" {
		c := cron.New()
		if _, e := c.AddFunc(opts.LoginCheck, func() { loginRecheck(sess, broadcaster) }); e != nil {
			return fmt.Errorf("invalid login check schedule %q: %w", opts.LoginCheck, e)
		}
		c.Start()
		defer c.Stop()
		log.Printf("[INFO] login re-check scheduled at %q", opts.LoginCheck)
	}

	srv, err := web.New(web.Config{
		Version:      revision,
		PasswordHash: opts.Web.AuthHash,
		Session:      sess,
		Actions:      exec,
		Artifacts:    resolver,
		Scan: func(jobID string) (string, []artifacts.Artifact, error) {
			page, ok := sess.ActivePage()
			if !ok {
				return "", nil, session.ErrNoSession
			}
			return resolver.ScanPage(page, jobID)
		},
		Monitor:        mon,
		Registry:       registry,
		Events:         broadcaster,
		History:        store,
		UploadMaxBytes: opts.Web.UploadMaxBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	return srv.Run(ctx, opts.Web.Address)
}

// completionHandler builds the monitor callback running the downstream
// effects of a finished job: artifact resolution, persistence and webhook.
func completionHandler(ctx context.Context, sess *session.Manager, resolver *artifacts.Resolver,
	store *persistence.SQLiteStore, broadcaster *events.Broadcaster, notifier *notify.Completion) func(monitor.Job) {

	return func(job monitor.Job) {
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		found := resolver.Resolve(cctx, job.ID)
		if len(found) == 0 {
			// CDN probing came up empty, fall back to scraping the page grid
			if page, ok := sess.ActivePage(); ok {
				if _, scanned, err := resolver.ScanPage(page, job.ID); err == nil {
					found = scanned
				}
			}
		}

		urls := make([]string, 0, len(found))
		recorded := make([]persistence.Artifact, 0, len(found))
		for i, a := range found {
			urls = append(urls, a.URL)
			recorded = append(recorded, persistence.Artifact{URL: a.URL, ThumbnailURL: a.ThumbnailURL, Index: i})
		}

		broadcaster.Broadcast(events.Event{Kind: events.KindVideosFound, Timestamp: time.Now(),
			Data: map[string]any{"jobId": job.ID, "videos": found}})

		if err := store.RecordCompleted(persistence.CompletedJob{JobID: job.ID, LocalPath: job.LocalPath, Artifacts: recorded}); err != nil {
			log.Printf("[WARN] failed to record completed job %s: %v", job.ID, err)
		}
		if err := notifier.Send(cctx, job.ID, urls); err != nil {
			log.Printf("[WARN] failed to deliver completion notification for %s: %v", job.ID, err)
		}
	}
}

// loginRecheck re-derives login state and tells subscribers about it
func loginRecheck(sess *session.Manager, broadcaster *events.Broadcaster) {
	loggedIn, err := sess.CheckLoginStatus()
	if err != nil {
		return // no session yet, nothing to report
	}
	log.Printf("[DEBUG] scheduled login check: loggedIn=%v", loggedIn)
	broadcaster.Broadcast(events.Event{Kind: events.KindStatus, Timestamp: time.Now(),
		Data: map[string]any{"isLoggedIn": loggedIn, "source": "scheduled_check"}})
}

func makeNotifier() *notify.Completion {
	if opts.Notify.CompletionWebhook == "" {
		return nil
	}
	return notify.NewCompletion(opts.Notify.CompletionWebhook, opts.Notify.Timeout)
}

func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	fileWriter := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(io.MultiWriter(os.Stdout, fileWriter)))
	log.Setup(logOpts...)
	return fileWriter
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGINT/SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
}
