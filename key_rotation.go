package envelopefs

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// RotationOptions contains options for master secret rotation
type RotationOptions struct {
	// DryRun verifies the envelope under the old secret without rewriting
	// the block
	DryRun bool

	// Verify reopens the block under the new secret after rewriting it
	Verify bool
}

// RotateSecret re-seals the authenticated block of an existing envelope
// under newSecret. The instance key is carried over unchanged, so the data
// region is not re-encrypted and its size is unaffected. The block is
// rewritten in place with a fresh iv.
func RotateSecret(store Store, typ EnvelopeType, oldSecret, newSecret *MasterSecret, cfg *Config, opts RotationOptions) error {
	if store == nil {
		return ErrNilStore
	}
	if oldSecret == nil || newSecret == nil {
		return ErrNilSecret
	}
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return err
	}
	if err := validateType(typ); err != nil {
		return err
	}

	key, total, err := establishKey(store, typ, oldSecret, false, cfg)
	if err != nil {
		if IsCorruptionError(err) {
			cfg.Logger.Warn("rotation source failed verification",
				zap.String("name", cfg.Name),
				zap.String("type", typ.Name),
				zap.Error(err))
		}
		return err
	}
	defer wipe(key)

	if opts.DryRun {
		cfg.Logger.Info("rotation dry run verified envelope",
			zap.String("name", cfg.Name),
			zap.String("type", typ.Name))
		return nil
	}

	header, err := sealHeader(typ, newSecret, key)
	if err != nil {
		return err
	}
	off := typ.blockOffset(total)
	if _, err := store.WriteAt(header, off); err != nil {
		return NewIOError("write", cfg.Name, off, err)
	}

	if opts.Verify {
		check, _, err := establishKey(store, typ, newSecret, false, cfg)
		if err != nil {
			return fmt.Errorf("rotated block failed verification: %w", err)
		}
		wipe(check)
	}

	cfg.Logger.Info("master secret rotated",
		zap.String("name", cfg.Name),
		zap.String("type", typ.Name))
	return nil
}

// OpenWithSecrets opens an existing envelope trying each secret in order,
// for use while a rotation is in progress. It returns the buffer and the
// index of the secret that verified. If no secret verifies, the last
// corruption error is returned.
func OpenWithSecrets(store Store, typ EnvelopeType, secrets []*MasterSecret, cfg *Config) (*EncryptedBuffer, int, error) {
	if len(secrets) == 0 {
		return nil, -1, errors.New("at least one master secret required")
	}

	layout := layoutBuffer
	if typ.Placement == PlacementFooter {
		layout = layoutThing
	}

	var lastErr error
	for i, secret := range secrets {
		buf, err := openEnvelope(store, typ, secret, false, cfg, layout)
		if err == nil {
			return buf, i, nil
		}
		if !IsCorruptionError(err) {
			return nil, -1, err
		}
		lastErr = err
	}
	return nil, -1, fmt.Errorf("no master secret verified the envelope: %w", lastErr)
}
