package main

import (
	"flag"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openlabtools/gosmu/config"
	"github.com/openlabtools/gosmu/flasher"
	"github.com/openlabtools/gosmu/logging"
	"github.com/openlabtools/gosmu/monitor"
	"github.com/openlabtools/gosmu/service"
	"github.com/openlabtools/gosmu/session"
	"github.com/openlabtools/gosmu/storage"
	"github.com/openlabtools/gosmu/usb"
)

var exitChannel chan os.Signal

func init() {
	exitChannel = make(chan os.Signal, 1)
}

func wait() {
	signal.Notify(exitChannel, os.Interrupt)
	signal.Notify(exitChannel, os.Kill)
	<-exitChannel
}

func main() {
	flag.Parse()
	logging.SetupLogger()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	transport := usb.NewGousbTransport()
	defer func() {
		_ = transport.Close()
	}()

	sessionOpts := []session.Option{
		session.WithTimeout(time.Duration(cfg.TransferTimeoutMS) * time.Millisecond),
		session.WithFlashOptions(flasher.WithChunkSize(cfg.FlashChunkSize)),
	}
	if cfg.History {
		store, err := storage.Open()
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			_ = store.Close()
		}()
		sessionOpts = append(sessionOpts, session.WithStore(store))
	}
	s := session.New(transport, sessionOpts...)

	m := monitor.New(s, cfg)
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	defer m.Stop()

	if cfg.StatusAddress != "" {
		svc := service.New(s, cfg.StatusAddress)
		if err := svc.Start(); err != nil {
			log.Fatal(err)
		}
		defer svc.Stop()
	}

	wait()
}
