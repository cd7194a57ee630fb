package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"thameswater-collector/internal/collector"
)

// Scheduler runs the collector refresh at fixed wall-clock hours. The portal
// publishes new readings with a multi-day lag, so twice a day is plenty.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   *collector.Service
	at        string
}

// New creates a new Scheduler. at is a gocron time list such as "00:00;12:00".
func New(service *collector.Service, at string) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		service:   service,
		at:        at,
	}
}

// Start schedules the daily refresh job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	_, err := s.scheduler.Every(1).Day().At(s.at).Do(func() {
		log.Println("scheduler: running meter refresh job")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := s.service.Refresh(ctx); err != nil {
			log.Printf("scheduler: refresh failed: %v", err)
			return
		}
		log.Println("scheduler: completed meter refresh job")
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
