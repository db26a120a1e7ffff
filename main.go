package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/profilewarden/warden/internal/bot"
	"github.com/profilewarden/warden/internal/config"
	"github.com/profilewarden/warden/internal/db/sqlite"
	admin "github.com/profilewarden/warden/internal/handlers/admin"
	handlers "github.com/profilewarden/warden/internal/handlers/chat"
	"github.com/profilewarden/warden/internal/infra"
	"github.com/profilewarden/warden/internal/observability"
	"github.com/profilewarden/warden/internal/scheduler"
	"github.com/profilewarden/warden/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetFormatter(&config.WdnFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.Init(ctx, cfg.MetricsAddr); err != nil {
		log.WithError(err).Fatalln("cant init observability")
	}

	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Errorln("cant initialize bot api")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	defer botAPI.StopReceivingUpdates()

	dbClient, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), "warden.db")
	if err != nil {
		log.WithError(err).Fatalln("cant open database")
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.WithError(err).Error("cant close database")
		}
	}()

	groupsPath := cfg.GroupsPath
	if !filepath.IsAbs(groupsPath) {
		groupsPath = filepath.Join(cfg.DotPath, groupsPath)
	}
	registry, err := config.LoadGroupRegistry(groupsPath)
	if err != nil {
		log.WithError(err).Fatalln("cant load group registry")
	}

	service := bot.NewService(botAPI, dbClient, registry)
	gateway := telegram.NewOperations(botAPI)
	sched := scheduler.New()
	defer sched.Stop()

	adminCache := handlers.NewAdminCache()
	adminCache.Refresh(ctx, gateway, registry)

	gatekeeper := handlers.NewGatekeeper(service, gateway, sched, cfg.DefaultLanguage)
	warden := handlers.NewProfileWarden(service, gateway, adminCache, cfg.DefaultLanguage, botAPI.Self.UserName)

	bot.RegisterUpdateHandler("topicguard", handlers.NewTopicGuard(service, gateway, adminCache))
	bot.RegisterUpdateHandler("admin", admin.NewAdmin(service, gateway, adminCache, cfg.DefaultLanguage))
	bot.RegisterUpdateHandler("gatekeeper", gatekeeper)
	bot.RegisterUpdateHandler("dm", handlers.NewDMLift(service, gateway, cfg.DefaultLanguage))
	bot.RegisterUpdateHandler("probation", handlers.NewProbation(service, gateway, cfg.DefaultLanguage))
	bot.RegisterUpdateHandler("warden", warden)

	// Persisted challenges must be re-armed before any update is
	// served, or a timeout lost to the previous crash never fires.
	if err := gatekeeper.Recover(ctx); err != nil {
		log.WithError(err).Fatalln("cant recover pending challenges")
	}
	warden.StartSweep(sched)

	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = 60
	updateProcessor := bot.NewUpdateProcessor(service)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var loopErr error
		infra.GoRecoverable(-1, "update_loop", func() {
			updateChan, errorChan := bot.GetUpdatesChans(ctx, botAPI, updateConfig)
			for {
				select {
				case err := <-errorChan:
					loopErr = err
					return
				case update := <-updateChan:
					if err := updateProcessor.Process(ctx, &update); err != nil {
						log.WithError(err).Errorln("cant process update")
					}
				case <-ctx.Done():
					loopErr = ctx.Err()
					return
				}
			}
		})
		return loopErr
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatalln("bot stopped")
	}
}
