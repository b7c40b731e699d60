package neomason

import (
	"context"
	"errors"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"time"
)

// Scheduler sends the daily announcement to every guild with a
// channel of the configured name.
//
// The date an announcement was last sent is persisted, so it's sent
// at most once per day, including across restarts.
type Scheduler struct {
	config    *AnnouncementConfig
	store     Store
	transport Transport
	logger    *slog.Logger
	metrics   *metrics
	location  *time.Location
	now       func() time.Time
}

func NewScheduler(
	config *AnnouncementConfig,
	store Store,
	transport Transport,
	logger *slog.Logger,
	m *metrics,
) (*Scheduler, error) {
	loc, err := config.location()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:    config,
		store:     store,
		transport: transport,
		logger:    logger.With(loggerNameKey, "scheduler"),
		metrics:   m,
		location:  loc,
		now:       time.Now,
	}, nil
}

// Run checks the clock every PollInterval until ctx is canceled
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(
		ctx,
		"starting scheduler",
		"hour", s.config.Hour,
		"minute", s.config.Minute,
		"location", s.location.String(),
		"channel", s.config.Channel,
	)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "scheduler tick failed", tint.Err(err))
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// tick sends the announcement if it's the configured time and it
// hasn't already been sent today. Returns true if it was sent.
func (s *Scheduler) tick(ctx context.Context) (bool, error) {
	now := s.now().In(s.location)
	if now.Hour() != s.config.Hour || now.Minute() != s.config.Minute {
		return false, nil
	}

	day := now.Format(time.DateOnly)
	claimed, err := s.store.ClaimAnnouncement(ctx, s.config.Name, day)
	if err != nil {
		s.recordOutcome(outcomeError)
		return false, err
	}
	if !claimed {
		s.recordOutcome(outcomeSkipped)
		s.logger.DebugContext(ctx, "announcement already sent today", "day", day)
		return false, nil
	}

	s.logger.InfoContext(ctx, "sending announcement", "day", day)
	sent, err := s.announce(ctx)
	s.logger.InfoContext(ctx, "announcement finished", "sent", sent)
	return true, err
}

// FireNow sends the announcement immediately, regardless of the time
// or whether it was already sent today
func (s *Scheduler) FireNow(ctx context.Context) (int, error) {
	return s.announce(ctx)
}

// announce sends the announcement to every guild with a matching
// channel, returning how many were sent. A failure in one guild
// doesn't prevent sending to the rest.
func (s *Scheduler) announce(ctx context.Context) (sent int, err error) {
	communities, err := s.transport.ListCommunities(ctx)
	if err != nil {
		s.recordOutcome(outcomeError)
		return 0, err
	}

	var errs []error
	for _, c := range communities {
		logger := s.logger.With("guild_id", c.ID, "guild_name", c.Name)

		channels, listErr := s.transport.ListChannels(ctx, c.ID)
		if listErr != nil {
			logger.ErrorContext(ctx, "error listing channels", tint.Err(listErr))
			s.recordOutcome(outcomeError)
			errs = append(errs, listErr)
			continue
		}
		idx := slices.IndexFunc(
			channels, func(ch Channel) bool {
				return ch.Name == s.config.Channel
			},
		)
		if idx < 0 {
			logger.DebugContext(ctx, "no announcement channel")
			s.recordOutcome(outcomeNoChannel)
			continue
		}

		if sendErr := s.transport.SendText(ctx, channels[idx].ID, s.config.Message); sendErr != nil {
			logger.ErrorContext(ctx, "error sending announcement", tint.Err(sendErr))
			s.recordOutcome(outcomeError)
			errs = append(errs, sendErr)
			continue
		}
		s.recordOutcome(outcomeOK)
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Scheduler) recordOutcome(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.announcements.WithLabelValues(outcome).Inc()
}
