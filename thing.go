package envelopefs

// EncryptedThing is the footer-placed variant of EncryptedBuffer. The
// authenticated block sits in the last HeaderLength bytes of the store and
// the data region starts at offset 0, so existing tooling that expects
// plaintext-sized prefixes keeps working.
type EncryptedThing struct {
	*EncryptedBuffer
}

// OpenThing wraps store in a footer-placed envelope. If isNew, a fresh
// authenticated block is written at the end of the store; otherwise the
// existing block is verified. Use DefaultType(PlacementFooter) unless a
// specific suite is required.
func OpenThing(store Store, typ EnvelopeType, secret *MasterSecret, isNew bool, cfg *Config) (*EncryptedThing, error) {
	if typ.Placement != PlacementFooter {
		return nil, &ValidationError{
			Field:   "type",
			Value:   typ.Name,
			Message: "things require a footer-placed envelope type",
		}
	}
	b, err := openEnvelope(store, typ, secret, isNew, cfg, layoutThing)
	if err != nil {
		return nil, err
	}
	return &EncryptedThing{EncryptedBuffer: b}, nil
}

// ResumeThing reopens an existing footer-placed envelope
func ResumeThing(store Store, typ EnvelopeType, secret *MasterSecret, cfg *Config) (*EncryptedThing, error) {
	return OpenThing(store, typ, secret, false, cfg)
}
