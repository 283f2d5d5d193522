package alwaysoffline

import (
	"context"

	"golang.org/x/xerrors"
)

// RefreshReport lists what a refresh did with every stored key.
type RefreshReport struct {
	// replaced with a fresh copy from the network
	Updated []string
	// kept as is, since the network answer was not cacheable
	Kept []string
	// kept as is, since the network could not be reached
	Failed []string
}

// Refresh requests every entry of the controlling generation again and
// replaces the ones for which the network returns a cacheable response.
// Entries are never dropped: the last good copy stays available offline.
func (w *Worker) Refresh(ctx context.Context) (RefreshReport, error) {
	report := RefreshReport{}
	c := w.controller()
	if c == nil {
		return report, ErrNotActivated
	}
	keys, err := c.Keys()
	if err != nil {
		return report, xerrors.Errorf("failed to list keys of %s: %w", c.Name(), err)
	}
	w.log.Info().Int("entries", len(keys)).Msg("Refreshing cache")

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		updated, err := w.updateEntry(ctx, key)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Str("key", key).Msg("Could not refresh cache entry")
			report.Failed = append(report.Failed, key)
		case updated:
			report.Updated = append(report.Updated, key)
		default:
			report.Kept = append(report.Kept, key)
		}
	}

	w.log.Info().
		Int("updated", len(report.Updated)).
		Int("kept", len(report.Kept)).
		Int("failed", len(report.Failed)).
		Msg("Refreshed cache")
	return report, nil
}

// updateEntry fetches the response for the stored key and writes it to the
// controlling generation if it is cacheable.
func (w *Worker) updateEntry(ctx context.Context, key string) (bool, error) {
	req, err := w.keyer.RequestFromKey(key)
	if err != nil {
		return false, err
	}
	c := w.controller()
	if c == nil {
		return false, ErrNotActivated
	}
	w.log.Trace().Str("key", key).Str("req.path", req.URL.Path).Msg("Requesting content from origin")

	res, err := w.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if !w.cacheable(res) {
		w.log.Debug().Str("key", key).Int("status", res.StatusCode).Msg("Keeping stored response")
		return false, nil
	}
	entry, err := w.entry(key, res)
	if err != nil {
		return false, err
	}
	if err := c.Put(entry); err != nil {
		return false, xerrors.Errorf("failed to write %s: %w", key, err)
	}
	return true, nil
}
