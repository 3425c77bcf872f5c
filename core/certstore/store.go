package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/certgate/certgate/core/logger"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
	metaFileName = "meta.toml"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Record is the durable representation of one issued certificate.
// Certificate holds the PEM-encoded chain (leaf first), PrivateKey the
// PEM-encoded key. A record is wholly present or wholly absent on disk.
type Record struct {
	Domain      string
	Certificate []byte
	PrivateKey  []byte
	IssuedAt    time.Time
	NotAfter    time.Time
	AccountURL  string
}

// metadata is the on-disk TOML sidecar for a record.
type metadata struct {
	Domain     string    `toml:"domain"`
	IssuedAt   time.Time `toml:"issued_at"`
	NotAfter   time.Time `toml:"not_after"`
	AccountURL string    `toml:"account_url"`
}

// Store persists certificate records under a fixed directory, one
// subdirectory per domain. Writes are atomic per file (write to temp, fsync,
// rename); there is a single writer, and concurrent readers always observe
// a complete record or a classified error.
type Store struct {
	dir string
	now func() time.Time
	log *slog.Logger
}

// Option configures a Store during construction.
type Option func(*Store)

// WithClock overrides the time source. Primarily useful for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for watch and integrity diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates a Store rooted at dir, creating the directory if needed.
// An unwritable directory is an error; callers treat it as fatal since no
// certificate state can be persisted without it.
func New(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrDirRequired
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirUnwritable, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirUnwritable, err)
	}
	probeName := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probeName)

	s := &Store{
		dir: dir,
		now: time.Now,
		log: logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Dir returns the storage root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load reads the record for domain. It returns ErrNotFound when no record
// exists and ErrCorruptRecord when files are present but fail integrity
// checks; callers treat both as absent and force re-issuance.
func (s *Store) Load(domain string) (*Record, error) {
	dir, err := s.domainDir(domain)
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(filepath.Join(dir, certFileName))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("read certificate for %s: %w", domain, err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing or unreadable private key", ErrCorruptRecord, domain)
	}

	metaRaw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: missing or unreadable metadata", ErrCorruptRecord, domain)
	}

	var meta metadata
	if err := toml.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("%w: %s: invalid metadata: %w", ErrCorruptRecord, domain, err)
	}

	rec := &Record{
		Domain:      domain,
		Certificate: certPEM,
		PrivateKey:  keyPEM,
		IssuedAt:    meta.IssuedAt,
		NotAfter:    meta.NotAfter,
		AccountURL:  meta.AccountURL,
	}

	if err := s.verify(rec, meta); err != nil {
		return nil, err
	}

	return rec, nil
}

// verify runs the integrity checks that gate a loaded record: the key pair
// must match, the leaf must parse, and the metadata must agree with the leaf.
func (s *Store) verify(rec *Record, meta metadata) error {
	if meta.Domain != rec.Domain {
		return fmt.Errorf("%w: %s: metadata domain mismatch (%s)", ErrCorruptRecord, rec.Domain, meta.Domain)
	}

	if _, err := tls.X509KeyPair(rec.Certificate, rec.PrivateKey); err != nil {
		return fmt.Errorf("%w: %s: key pair mismatch: %w", ErrCorruptRecord, rec.Domain, err)
	}

	leaf, err := parseLeaf(rec.Certificate)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptRecord, rec.Domain, err)
	}

	if !meta.NotAfter.Equal(leaf.NotAfter) {
		return fmt.Errorf("%w: %s: metadata expiry does not match certificate", ErrCorruptRecord, rec.Domain)
	}
	if !meta.NotAfter.After(meta.IssuedAt) {
		return fmt.Errorf("%w: %s: expiry is not after issuance", ErrCorruptRecord, rec.Domain)
	}

	return nil
}

// Save atomically persists rec, replacing any previous record for the
// domain. Each file is written to a temp name, fsynced and renamed; the
// metadata file is written last so a replaced record becomes observable
// only once complete.
func (s *Store) Save(rec *Record) error {
	if rec == nil {
		return ErrInvalidRecord
	}
	if len(rec.Certificate) == 0 || len(rec.PrivateKey) == 0 {
		return fmt.Errorf("%w: empty certificate or key", ErrInvalidRecord)
	}
	if !rec.NotAfter.After(rec.IssuedAt) {
		return fmt.Errorf("%w: expiry %s is not after issuance %s", ErrInvalidRecord,
			rec.NotAfter.Format(time.RFC3339), rec.IssuedAt.Format(time.RFC3339))
	}

	dir, err := s.domainDir(rec.Domain)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create record directory for %s: %w", rec.Domain, err)
	}

	if err := writeFileAtomic(filepath.Join(dir, keyFileName), rec.PrivateKey, filePerm); err != nil {
		return fmt.Errorf("write private key for %s: %w", rec.Domain, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, certFileName), rec.Certificate, filePerm); err != nil {
		return fmt.Errorf("write certificate for %s: %w", rec.Domain, err)
	}

	meta := metadata{
		Domain:     rec.Domain,
		IssuedAt:   rec.IssuedAt,
		NotAfter:   rec.NotAfter,
		AccountURL: rec.AccountURL,
	}
	metaRaw, err := toml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", rec.Domain, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFileName), metaRaw, filePerm); err != nil {
		return fmt.Errorf("write metadata for %s: %w", rec.Domain, err)
	}

	return nil
}

// TimeUntilExpiry returns how long until rec expires. Negative means the
// certificate is already expired.
func (s *Store) TimeUntilExpiry(rec *Record) time.Duration {
	return rec.NotAfter.Sub(s.now())
}

func (s *Store) domainDir(domain string) (string, error) {
	domain = strings.TrimSpace(strings.ToLower(domain))
	if domain == "" || strings.ContainsAny(domain, "/\\") || domain == "." || domain == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return filepath.Join(s.dir, domain), nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, then renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return nil
}

func parseLeaf(chainPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block found")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return leaf, nil
}
