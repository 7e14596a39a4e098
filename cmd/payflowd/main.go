package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/wangyingjie930/payflow-pkg/bootstrap"
	"github.com/wangyingjie930/payflow-pkg/httpclient"
	"github.com/wangyingjie930/payflow-pkg/inbox"
	"github.com/wangyingjie930/payflow-pkg/jobs"
	"github.com/wangyingjie930/payflow-pkg/logger"
	"github.com/wangyingjie930/payflow-pkg/mq"
	"github.com/wangyingjie930/payflow-pkg/outbox"
	"github.com/wangyingjie930/payflow-pkg/ops"
	"github.com/wangyingjie930/payflow-pkg/payments"
	"github.com/wangyingjie930/payflow-pkg/store"
)

const serviceName = "payflowd"

type deps struct {
	db        *gorm.DB
	publisher mq.Publisher

	relay          *outbox.Relay
	processor      *payments.Processor
	sweeper        *payments.Sweeper
	intakeConsumer *payments.Consumer
	ladderConsumer *jobs.LadderConsumer
	tierRelay      *jobs.TierRelay
	opsHandler     *ops.Handler
	opsCache       *ops.Cache
}

func main() {
	app, err := bootstrap.NewApplication(bootstrap.AppInfo[*deps]{
		ServiceName: serviceName,
		Assemble:    assemble,
		Register:    register,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Msg("failed to start payflowd")
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

func assemble(appCtx bootstrap.AppContext) (*deps, error) {
	cfg := appCtx.Config

	db, err := store.Open(cfg.Infra.Mysql.DSN)
	if err != nil {
		return nil, err
	}

	brokers := cfg.KafkaBrokers()
	publisher := mq.NewKafkaPublisher(brokers)

	ob := outbox.New(db)
	ib := inbox.New(db)

	batches := payments.NewBatches(db)
	pays := payments.NewPayments(db)
	provider := &payments.SimulatedProvider{
		FailIfNetCentsEquals: cfg.App.Processor.FailIfNetCentsEquals,
	}
	events := payments.NewEvents(ob, payments.Topics{
		PaymentStatusChanged: cfg.App.Intake.PaymentStatusChangedTopic,
		BatchStatusChanged:   cfg.App.Intake.BatchStatusChangedTopic,
	})

	d := &deps{
		db:        db,
		publisher: publisher,
	}

	d.relay = outbox.NewRelay(ob, publisher, outbox.RelayConfig{
		BatchSize:   cfg.App.Relay.BatchSize,
		LockOwner:   cfg.App.Relay.LockOwner,
		LockTTL:     time.Duration(cfg.App.Relay.LockTTLSeconds) * time.Second,
		FixedDelay:  time.Duration(cfg.App.Relay.FixedDelayMillis) * time.Millisecond,
		BackoffBase: time.Duration(cfg.App.Relay.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.App.Relay.BackoffMaxMillis) * time.Millisecond,
	})

	d.processor = payments.NewProcessor(batches, pays, provider, events, payments.ProcessorConfig{
		BatchSize:         cfg.App.Processor.BatchSize,
		MaxBatchesPerTick: cfg.App.Processor.MaxBatchesPerTick,
		LockOwner:         cfg.App.Processor.LockOwner,
		LockTTL:           time.Duration(cfg.App.Processor.LockTTLSeconds) * time.Second,
		FixedDelay:        time.Duration(cfg.App.Processor.FixedDelayMillis) * time.Millisecond,
		AutoSettle:        cfg.App.Processor.AutoSettle,
	})

	d.sweeper = payments.NewSweeper(db, batches, pays, events, payments.SweeperConfig{
		FixedDelay:         time.Duration(cfg.App.Sweeper.FixedDelayMillis) * time.Millisecond,
		SweepLimit:         cfg.App.Sweeper.SweepLimit,
		LockTTL:            time.Duration(cfg.App.Sweeper.LockTTLSeconds) * time.Second,
		MaxBatchAttempts:   cfg.App.Sweeper.MaxBatchAttempts,
		RetryBase:          time.Duration(cfg.App.Sweeper.RetryBaseMillis) * time.Millisecond,
		RetryMax:           time.Duration(cfg.App.Sweeper.RetryMaxMillis) * time.Millisecond,
		MaxPaymentAttempts: cfg.App.Sweeper.MaxPaymentAttempts,
	})

	intake := payments.NewIntake(db, batches, pays, provider, events)
	d.intakeConsumer = payments.NewConsumer(payments.ConsumerConfig{
		Brokers:      brokers,
		GroupID:      cfg.App.Intake.GroupID,
		Topic:        cfg.App.Intake.PaymentRequestedTopic,
		ConsumerName: cfg.App.Intake.ConsumerName,
	}, ib, intake)

	client := httpclient.NewClient(appCtx.TracerProvider.Tracer(serviceName))
	finalizer := jobs.NewHTTPFinalizer(client, cfg.App.Jobs.FinalizeItemURL)
	d.ladderConsumer = jobs.NewLadderConsumer(jobs.LadderConsumerConfig{
		Brokers:     brokers,
		GroupID:     cfg.App.Jobs.GroupID,
		MaxAttempts: cfg.App.Jobs.MaxAttempts,
	}, publisher, finalizer)
	d.tierRelay = jobs.NewTierRelay(brokers, cfg.App.Jobs.GroupID+"-retry", publisher)

	if cfg.Infra.Redis.Addrs != "" {
		cache, err := ops.NewCache(cfg.Infra.Redis.Addrs, time.Duration(cfg.App.Ops.CacheTTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		d.opsCache = cache
	}
	d.opsHandler = ops.NewHandler(batches, pays, d.opsCache)

	return d, nil
}

func register(app *bootstrap.Application, d *deps) error {
	cfg := app.Config()

	if cfg.App.Relay.Enabled {
		app.AddTask(d.relay.Start, nil)
	}
	if cfg.App.Processor.Enabled {
		app.AddTask(d.processor.Start, nil)
	}
	if cfg.App.Sweeper.Enabled {
		app.AddTask(d.sweeper.Start, nil)
	}
	if cfg.App.Intake.Enabled {
		app.AddTask(d.intakeConsumer.Start, func(context.Context) error {
			return d.intakeConsumer.Close()
		})
	}
	if cfg.App.Jobs.Enabled {
		app.AddTask(d.ladderConsumer.Start, func(context.Context) error {
			return d.ladderConsumer.Close()
		})
		app.AddTask(d.tierRelay.Start, nil)
	}

	app.AddTask(nil, func(context.Context) error {
		if err := d.opsCache.Close(); err != nil {
			return err
		}
		return d.publisher.Close()
	})

	mux := http.NewServeMux()
	d.opsHandler.Register(mux)
	return app.AddServer(mux, cfg.App.Ops.Port)
}
