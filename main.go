package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/EasyDarwin/EasyCapture/capture"
	"github.com/EasyDarwin/EasyCapture/jobs"
	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/EasyDarwin/EasyCapture/outbox"
	"github.com/EasyDarwin/EasyCapture/routers"
	"github.com/EasyDarwin/EasyCapture/segment"
	"github.com/EasyDarwin/EasyCapture/storage"
	"github.com/EasyDarwin/EasyCapture/utils"
	"github.com/MeloQi/service"
	"github.com/common-nighthawk/go-figure"
)

var (
	gitCommitCode string
	buildDateTime string
)

type program struct {
	settings   *settings
	httpServer *http.Server
	registry   *capture.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *program) StopHTTP() (err error) {
	if p.httpServer == nil {
		err = fmt.Errorf("HTTP Server Not Found")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = p.httpServer.Shutdown(ctx); err != nil {
		return
	}
	return
}

func (p *program) StartHTTP() (err error) {
	p.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.settings.HTTPPort),
		Handler:           routers.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info("http server start -->", utils.GetHostName())
	go func() {
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("start http server error: ", err)
		}
		log.Info("http server end")
	}()
	return
}

// StartUploader recovers interrupted deliveries and starts the detector,
// the upload worker and the outbox pruner.
func (p *program) StartUploader(ctx context.Context) (store *outbox.Store, err error) {
	s := p.settings
	if err = models.Init(s.DBFile); err != nil {
		return
	}
	store = outbox.NewStore(models.DB)
	if n, rerr := store.RequeueInFlight(ctx); rerr != nil {
		err = rerr
		return
	} else if n > 0 {
		log.Infof("requeued %d segment(s) left uploading by the previous run", n)
	}

	objects, err := storage.NewS3Store(ctx, s.Storage)
	if err != nil {
		return
	}
	jobsClient := jobs.NewClient(s.JobsAPIBase, s.JobsAPIKey, s.JobsTimeout)
	p.checkDependencies(ctx, objects, jobsClient)

	detector := segment.NewDetector(s.Capture.Root, s.Capture.Extension, store, s.RescanInterval)
	worker := outbox.NewWorker(store, objects, jobsClient, s.Worker)

	p.wg.Add(3)
	go func() {
		defer p.wg.Done()
		if err := detector.Run(ctx); err != nil {
			log.Error("segment detector stopped: ", err)
		}
	}()
	go func() {
		defer p.wg.Done()
		worker.Run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		outbox.RunPruner(ctx, store, s.PruneAfter, time.Hour)
	}()
	return
}

// checkDependencies only reports; the worker retries until both come up.
func (p *program) checkDependencies(ctx context.Context, objects *storage.S3Store, jobsClient *jobs.Client) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := objects.CheckBucket(ctx); err != nil {
		log.Warnf("bucket %s not reachable yet: %v", p.settings.Storage.Bucket, err)
	}
	if err := jobsClient.Healthz(ctx); err != nil {
		log.Warnf("jobs api %s not reachable yet: %v", p.settings.JobsAPIBase, err)
	}
}

func (p *program) Start(s service.Service) (err error) {
	log.Info("********** START **********")
	if utils.IsPortInUse(p.settings.HTTPPort) {
		err = fmt.Errorf("HTTP port[%d] In Use", p.settings.HTTPPort)
		return
	}
	if !utils.CommandExists(p.settings.FFmpegBinary) {
		log.Warnf("writer binary %q not found in PATH, streams will fail to start", p.settings.FFmpegBinary)
	}
	if err = utils.EnsureDir(p.settings.Capture.Root); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	store, err := p.StartUploader(ctx)
	if err != nil {
		cancel()
		return
	}

	p.registry = capture.NewRegistry(p.settings.Capture)
	err = routers.Init(&routers.APIHandler{
		Registry:    p.registry,
		Outbox:      store,
		CaptureRoot: p.settings.Capture.Root,
		Token:       p.settings.InternalToken,
	})
	if err != nil {
		cancel()
		return
	}
	p.StartHTTP()

	if !utils.Conf().GetBool("debug") {
		log.Debug("log files -->", utils.Conf().GetString("log.dir"))
		log.SetOutput(utils.GetLogWriter())
	}
	return
}

func (p *program) Stop(s service.Service) (err error) {
	defer log.Info("********** STOP **********")
	defer utils.CloseLogWriter()
	p.StopHTTP()
	if p.registry != nil {
		p.registry.Shutdown()
	}
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("background workers did not stop in time")
	}
	models.Close()
	return
}

func main() {
	flag.StringVar(&utils.FlagVarConfFile, "config", "", "configure file path")
	flag.Parse()
	tail := flag.Args()

	setupLogging()
	log.Info("git commit code: ", gitCommitCode)
	log.Info("build date: ", buildDateTime)
	routers.BuildVersion = fmt.Sprintf("%s.%s", routers.BuildVersion, gitCommitCode)
	routers.BuildDateTime = buildDateTime

	conf := utils.Conf()
	svcConfig := &service.Config{
		Name:        conf.GetString("service.name"),
		DisplayName: conf.GetString("service.display_name"),
		Description: conf.GetString("service.description"),
	}

	st := loadSettings()
	st.dump()
	p := &program{settings: st}
	s, err := service.New(p, svcConfig)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	if len(tail) > 0 {
		cmd := strings.ToLower(tail[0])
		if cmd == "install" || cmd == "stop" || cmd == "start" || cmd == "uninstall" {
			figure.NewFigure("EasyCapture", "", false).Print()
			log.Info(svcConfig.Name, cmd, "...")
			if err = service.Control(s, cmd); err != nil {
				log.Error(err)
				os.Exit(1)
			}
			log.Info(svcConfig.Name, cmd, "ok")
			return
		}
	}
	figure.NewFigure("EasyCapture", "", false).Print()
	if err = s.Run(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
