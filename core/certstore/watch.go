package certstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/certgate/certgate/core/logger"
)

// Watch reports when the record for domain is replaced on disk by something
// other than the running process, e.g. an operator dropping in a certificate
// by hand. Notifications are coalesced: the returned channel has a buffer of
// one and slow consumers miss intermediate events, not the latest one.
// The watcher stops when ctx is canceled.
func (s *Store) Watch(ctx context.Context, domain string) (<-chan struct{}, error) {
	dir, err := s.domainDir(domain)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create record directory for %s: %w", domain, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	notify := make(chan struct{}, 1)
	metaPath := filepath.Join(dir, metaFileName)

	go func() {
		defer func() { _ = watcher.Close() }()
		defer close(notify)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// The metadata file is renamed into place last on every
				// save, so its appearance marks a complete record.
				if event.Name != metaPath {
					continue
				}
				if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				select {
				case notify <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("certificate watch error", logger.Domain(domain), logger.Error(err))
			}
		}
	}()

	return notify, nil
}
