package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"screenshotter/internal/logger"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"
)

// SupabaseConfig configures the bucket-backed store.
type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
	// Prefix is the folder inside the bucket. Default "screenshots".
	Prefix string
	// SignedURLTTL bounds links handed out by Link. Default 15m.
	SignedURLTTL time.Duration
	// Local rewrites host.docker.internal links for development setups.
	Local bool
}

// SupabaseStore keeps artifacts in a Supabase storage bucket.
type SupabaseStore struct {
	cfg    SupabaseConfig
	client *supabase.Client
	httpc  *http.Client
	log    *logger.Logger
}

func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.ServiceKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("supabase store requires url, service key and bucket")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "screenshots"
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 15 * time.Minute
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Supabase client: %w", err)
	}
	return &SupabaseStore{
		cfg:    cfg,
		client: client,
		httpc:  &http.Client{Timeout: 15 * time.Second},
		log:    logger.New("ArtifactStore"),
	}, nil
}

func (s *SupabaseStore) objectPath(location string) string {
	return path.Join(s.cfg.Prefix, location)
}

func (s *SupabaseStore) Save(_ context.Context, jobID string, data []byte, contentType string) (string, error) {
	name, err := Name(jobID, contentType)
	if err != nil {
		return "", err
	}
	upsert := true
	ct := contentType
	if _, err := s.client.Storage.UploadFile(s.cfg.Bucket, s.objectPath(name), bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &ct,
		Upsert:      &upsert,
	}); err != nil {
		return "", fmt.Errorf("supabase upload %s: %w", name, err)
	}
	s.log.LogDebugf("uploaded %s to bucket %s (%d bytes)", name, s.cfg.Bucket, len(data))
	return name, nil
}

func (s *SupabaseStore) Load(_ context.Context, location string) ([]byte, error) {
	if err := validLocation(location); err != nil {
		return nil, err
	}
	data, err := s.client.Storage.DownloadFile(s.cfg.Bucket, s.objectPath(location))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, location)
		}
		return nil, fmt.Errorf("supabase download %s: %w", location, err)
	}
	return data, nil
}

func (s *SupabaseStore) Delete(_ context.Context, location string) error {
	if err := validLocation(location); err != nil {
		return err
	}
	// Storage reports success for paths that do not exist.
	if _, err := s.client.Storage.RemoveFile(s.cfg.Bucket, []string{s.objectPath(location)}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("supabase remove %s: %w", location, err)
	}
	return nil
}

// Link signs the object with a direct REST call using fresh service headers.
func (s *SupabaseStore) Link(ctx context.Context, location string) (string, error) {
	if err := validLocation(location); err != nil {
		return "", err
	}
	base := strings.TrimRight(s.cfg.URL, "/")
	signURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", base, s.cfg.Bucket, s.objectPath(location))

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(map[string]int{"expiresIn": int(s.cfg.SignedURLTTL.Seconds())}); err != nil {
		return "", fmt.Errorf("failed to encode sign body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signURL, buf)
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.ServiceKey)
	req.Header.Set("apikey", s.cfg.ServiceKey)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request signed URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrMissing, location)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to create signed URL: status %d", resp.StatusCode)
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode signed URL response: %w", err)
	}

	p := signed.SignedURL
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasPrefix(p, "/storage/v1/") {
		p = "/storage/v1" + p
	}
	final := base + p
	if s.cfg.Local {
		final = strings.Replace(final, "host.docker.internal", "127.0.0.1", 1)
	}
	return final, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
