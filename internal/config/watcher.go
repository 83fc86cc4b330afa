package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Mad-Labs42/ZED42/internal/profile"
	"github.com/Mad-Labs42/ZED42/internal/rates"
)

// debounceDelay coalesces the burst of fsnotify events editors emit on save.
const debounceDelay = 250 * time.Millisecond

// RateEntries converts the validated rate section into table entries.
func (c *Config) RateEntries() ([]rates.Entry, error) {
	entries := make([]rates.Entry, 0, len(c.Rates))
	asOf := time.Now().Format(time.RFC3339)
	for _, r := range c.Rates {
		in, err := decimal.NewFromString(r.InputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("rates: backend %q input cost: %w", r.BackendID, err)
		}
		out, err := decimal.NewFromString(r.OutputCostPer1K)
		if err != nil {
			return nil, fmt.Errorf("rates: backend %q output cost: %w", r.BackendID, err)
		}
		entries = append(entries, rates.Entry{
			BackendID:       r.BackendID,
			InputCostPer1K:  in,
			OutputCostPer1K: out,
			AsOf:            asOf,
		})
	}
	return entries, nil
}

// ProfileList converts the profile section into resolver profiles.
func (c *Config) ProfileList() []profile.Profile {
	profiles := make([]profile.Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		tiers := make([]profile.Tier, 0, len(p.Tiers))
		for _, t := range p.Tiers {
			tiers = append(tiers, profile.Tier{
				BackendID:  t.BackendID,
				Priority:   t.Priority,
				Escalation: t.Escalation,
			})
		}
		profiles = append(profiles, profile.Profile{CallerID: p.CallerID, Tiers: tiers})
	}
	return profiles
}

// Watcher reloads the rate table and profile resolver when the config file
// changes on disk. Reload failures keep the previous state.
type Watcher struct {
	path     string
	rates    *rates.Table
	profiles *profile.Resolver
	fsw      *fsnotify.Watcher
}

// NewWatcher watches path and pushes changes into the given table and
// resolver. Call Run to start processing events.
func NewWatcher(path string, rt *rates.Table, pr *profile.Resolver) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &Watcher{path: path, rates: rt, profiles: pr, fsw: fsw}, nil
}

// Run blocks processing filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Config reload failed, keeping previous state")
		return
	}

	entries, err := cfg.RateEntries()
	if err != nil {
		log.Error().Err(err).Msg("Config reload failed, keeping previous state")
		return
	}

	w.rates.Replace(entries)
	w.profiles.Replace(cfg.ProfileList())
	log.Info().
		Int("rates", len(entries)).
		Int("profiles", len(cfg.Profiles)).
		Msg("Config reloaded")
}
