package app

import (
	"time"

	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/directory"
	"groupcast/internal/session"
)

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast

	sendTimeout, err := config.ParseDurationField("broadcast.send_timeout", b.SendTimeout)
	if err != nil {
		return broadcast.Config{}, err
	}

	p := b.Pacing
	durs := make([]time.Duration, 7)
	for i, f := range []struct {
		path string
		raw  string
	}{
		{"broadcast.pacing.per_send_delay_start", p.PerSendDelayStart},
		{"broadcast.pacing.per_send_delay_min", p.PerSendDelayMin},
		{"broadcast.pacing.per_send_delay_max", p.PerSendDelayMax},
		{"broadcast.pacing.batch_delay_start", p.BatchDelayStart},
		{"broadcast.pacing.batch_delay_min", p.BatchDelayMin},
		{"broadcast.pacing.batch_delay_max", p.BatchDelayMax},
		{"broadcast.pacing.adjust_every", p.AdjustEvery},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return broadcast.Config{}, err
		}
		durs[i] = d
	}

	return broadcast.Config{
		RatePerSec:        b.RatePerSec,
		RetryMax:          b.RetryMax,
		SendTimeout:       sendTimeout,
		SkipAfterFailures: b.SkipAfterFailures,
		ReportSkipCap:     b.ReportSkipCap,
		Pacing: broadcast.PacingConfig{
			BatchStart:        p.BatchStart,
			BatchMin:          p.BatchMin,
			BatchMax:          p.BatchMax,
			PerSendDelayStart: durs[0],
			PerSendDelayMin:   durs[1],
			PerSendDelayMax:   durs[2],
			BatchDelayStart:   durs[3],
			BatchDelayMin:     durs[4],
			BatchDelayMax:     durs[5],
			AdjustEvery:       durs[6],
		},
	}, nil
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	timeout, err := config.ParseDurationOrDefault("session.selection_timeout", cfg.Session.SelectionTimeout, time.Minute)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		SelectionTimeout:   timeout,
		ImageDir:           cfg.Session.ImageDir,
		OverrideMembership: cfg.Session.OverrideMembership,
	}, nil
}

func mapCategoryRules(cfg *config.Config) []directory.Rule {
	rules := make([]directory.Rule, 0, len(cfg.Categories))
	for _, r := range cfg.Categories {
		rules = append(rules, directory.Rule{Category: r.Category, Keywords: r.Keywords})
	}
	return rules
}
