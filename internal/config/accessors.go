package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// GetPassword returns the PIM sign-in password: PasswordFile first, then PIM_PASSWORD
func (p *PIMConfig) GetPassword() (string, error) {
	password, err := readSecret(p.PasswordFile, "PIM_PASSWORD")
	if err != nil {
		return "", fmt.Errorf("pim password: %w", err)
	}
	return password, nil
}

// GetTimeout returns the per-request timeout for the PIM API
func (p *PIMConfig) GetTimeout() time.Duration {
	return durationOr(p.Timeout, DefaultPIMTimeout)
}

// GetTokenTTL returns the assumed lifetime of a freshly issued token
func (p *PIMConfig) GetTokenTTL() time.Duration {
	return durationOr(p.TokenTTL, DefaultTokenTTL)
}

// GetRefreshSkew returns how early a token is refreshed before it expires
func (p *PIMConfig) GetRefreshSkew() time.Duration {
	return durationOr(p.RefreshSkew, DefaultRefreshSkew)
}

// GetTimeout returns the per-request timeout for imgproxy
func (i *ImgproxyConfig) GetTimeout() time.Duration {
	return durationOr(i.Timeout, DefaultImgproxyTimeout)
}

// GetSigningKey returns the decoded imgproxy key and salt.
// Both are nil when neither is configured, which selects unsigned URLs.
func (i *ImgproxyConfig) GetSigningKey() (key, salt []byte, err error) {
	keyHex, keyErr := readSecret(i.KeyFile, "IMGPROXY_KEY")
	saltHex, saltErr := readSecret(i.SaltFile, "IMGPROXY_SALT")
	if keyErr != nil && saltErr != nil && i.KeyFile == "" && i.SaltFile == "" {
		return nil, nil, nil
	}
	if keyErr != nil {
		return nil, nil, fmt.Errorf("imgproxy key: %w", keyErr)
	}
	if saltErr != nil {
		return nil, nil, fmt.Errorf("imgproxy salt: %w", saltErr)
	}

	key, err = hex.DecodeString(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("imgproxy key is not valid hex: %w", err)
	}
	salt, err = hex.DecodeString(saltHex)
	if err != nil {
		return nil, nil, fmt.Errorf("imgproxy salt is not valid hex: %w", err)
	}
	return key, salt, nil
}

// GetBucket returns the bucket name, defaulting to "optimized"
func (s *SupabaseBucket) GetBucket() string {
	if s.Bucket == "" {
		return DefaultSupabaseBucket
	}
	return s.Bucket
}

// GetKey returns the Supabase service key: KeyFile first, then SUPABASE_KEY
func (s *SupabaseBucket) GetKey() (string, error) {
	key, err := readSecret(s.KeyFile, "SUPABASE_KEY")
	if err != nil {
		return "", fmt.Errorf("supabase key: %w", err)
	}
	return key, nil
}

// GetType returns the ledger type, defaulting to file
func (l *LedgerConfig) GetType() string {
	if l.Type == "" {
		return LedgerTypeFile
	}
	return strings.ToLower(l.Type)
}

// GetPath returns the ledger location.
// For sqlite it names the database file inside the default directory when unset.
func (l *LedgerConfig) GetPath() string {
	if l.Path != "" {
		return l.Path
	}
	if l.GetType() == LedgerTypeSQLite {
		return filepath.Join(DefaultLedgerPath, "ledger.db")
	}
	return DefaultLedgerPath
}

// GetStatusDir returns the directory of the per-pass run status files
func (l *LedgerConfig) GetStatusDir() string {
	if l.StatusDir != "" {
		return l.StatusDir
	}
	return DefaultStatusDir
}

// GetBatchSize returns the number of items between checkpoints
func (p *PipelineConfig) GetBatchSize() int {
	return intOr(p.BatchSize, DefaultBatchSize)
}

// GetConcurrency returns the size of the shared operation semaphore
func (p *PipelineConfig) GetConcurrency() int {
	return intOr(p.Concurrency, DefaultConcurrency)
}

// GetMaxAttempts returns how many retryable failures an item may accumulate
func (p *PipelineConfig) GetMaxAttempts() int {
	return intOr(p.MaxAttempts, DefaultMaxAttempts)
}

// GetInitialBackoff returns the first retry delay
func (p *PipelineConfig) GetInitialBackoff() time.Duration {
	return durationOr(p.InitialBackoff, DefaultInitialBackoff)
}

// GetMaxBackoff returns the cap on retry delays
func (p *PipelineConfig) GetMaxBackoff() time.Duration {
	return durationOr(p.MaxBackoff, DefaultMaxBackoff)
}

// GetBatchTimeout returns the time budget of one batch before an intermediate checkpoint
func (p *PipelineConfig) GetBatchTimeout() time.Duration {
	return durationOr(p.BatchTimeout, DefaultBatchTimeout)
}

// GetPageSize returns the scanner page size
func (p *PipelineConfig) GetPageSize() int {
	return intOr(p.PageSize, DefaultPageSize)
}

// GetPreviewLimit returns how many items a preview run processes
func (p *PipelineConfig) GetPreviewLimit() int {
	return intOr(p.PreviewLimit, DefaultPreviewLimit)
}

