package rollout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	gos3 "patchwave/pkg/s3"
)

const snapshotVersion = "1"

// SnapshotManifest is the signed metadata uploaded alongside each snapshot
// archive.
type SnapshotManifest struct {
	Version          string    `yaml:"version"`
	CreatedAt        time.Time `yaml:"created_at"`
	RunID            string    `yaml:"run_id"`
	ReferenceRunID   string    `yaml:"reference_run_id"`
	Bucket           string    `yaml:"bucket"`
	Key              string    `yaml:"key"`
	SHA256           string    `yaml:"sha256"`
	Signer           string    `yaml:"signer,omitempty"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
}

// SigningBytes marshals the manifest without its signature for
// signing/verification.
func (m SnapshotManifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// Archive uploads a compressed snapshot of every rendered document per run,
// for audit and diffing. Rendered documents are otherwise discarded after
// submission.
type Archive struct {
	S3     *gos3.Client
	Bucket string
	Signer *Signer
	Now    func() time.Time
}

// NewArchiveFromEnv constructs an Archive when both S3_ENDPOINT and
// ROLLOUT_ARCHIVE_BUCKET are set; otherwise it returns nil with no error,
// and snapshots are skipped.
func NewArchiveFromEnv() (*Archive, error) {
	bucket := strings.TrimSpace(os.Getenv("ROLLOUT_ARCHIVE_BUCKET"))
	if bucket == "" || strings.TrimSpace(os.Getenv("S3_ENDPOINT")) == "" {
		return nil, nil
	}

	client, err := gos3.NewClientFromEnv()
	if err != nil {
		return nil, fmt.Errorf("archive s3 client: %w", err)
	}

	signer, err := NewSignerFromEnv()
	if err != nil {
		return nil, fmt.Errorf("archive signer: %w", err)
	}

	return &Archive{S3: client, Bucket: bucket, Signer: signer}, nil
}

type snapshotStage struct {
	StageName     string           `json:"stage_name"`
	Configuration map[string]any   `json:"configuration"`
	Assignments   []map[string]any `json:"assignments"`
}

// Store serializes the rendered stages, compresses them with zstd, uploads
// the archive, and uploads a manifest signed when a signer is configured.
// It returns the archive object key.
func (a *Archive) Store(ctx context.Context, runID uuid.UUID, referenceRunID string, stages []RenderedStage) (string, error) {
	if a == nil {
		return "", errors.New("nil archive")
	}
	if a.S3 == nil || a.Bucket == "" {
		return "", errors.New("archive requires an s3 client and bucket")
	}

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	snapshot := struct {
		Version        string          `json:"version"`
		RunID          string          `json:"run_id"`
		ReferenceRunID string          `json:"reference_run_id"`
		CreatedAt      time.Time       `json:"created_at"`
		Stages         []snapshotStage `json:"stages"`
	}{
		Version:        snapshotVersion,
		RunID:          runID.String(),
		ReferenceRunID: referenceRunID,
		CreatedAt:      now().UTC().Truncate(time.Second),
	}

	for _, stage := range stages {
		entry := snapshotStage{
			StageName:     stage.Configuration.Name,
			Configuration: stage.Configuration.Template(),
		}
		for _, assignment := range stage.Assignments {
			body := assignment.Body()
			body["name"] = assignment.Name
			body["scope"] = assignment.Scope
			entry.Assignments = append(entry.Assignments, body)
		}
		snapshot.Stages = append(snapshot.Stages, entry)
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return "", fmt.Errorf("init zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return "", fmt.Errorf("compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("compress snapshot: %w", err)
	}

	key := fmt.Sprintf("rollouts/%s.json.zst", runID)
	digest, err := a.S3.PutBytes(ctx, a.Bucket, key, compressed.Bytes(), "application/zstd")
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}

	manifest := SnapshotManifest{
		Version:          snapshotVersion,
		CreatedAt:        snapshot.CreatedAt,
		RunID:            runID.String(),
		ReferenceRunID:   referenceRunID,
		Bucket:           a.Bucket,
		Key:              key,
		SHA256:           digest,
		Signer:           a.Signer.Recipient(),
		SigningPublicKey: a.Signer.PublicKeyBase64(),
	}

	if a.Signer != nil && len(a.Signer.privateKey) > 0 {
		payload, err := manifest.SigningBytes()
		if err != nil {
			return "", fmt.Errorf("marshal manifest for signing: %w", err)
		}
		sig, err := a.Signer.Sign(payload)
		if err != nil {
			return "", fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := a.S3.PutBytes(ctx, a.Bucket, key+".manifest.yaml", manifestBytes, "application/yaml"); err != nil {
		return "", fmt.Errorf("upload manifest: %w", err)
	}

	return key, nil
}

// PresignSnapshot returns a time-limited download URL for a stored snapshot
// key.
func (a *Archive) PresignSnapshot(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("nil archive")
	}
	return a.S3.PresignGet(ctx, a.Bucket, key, ttl)
}
