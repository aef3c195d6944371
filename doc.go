// Package envelopefs provides encrypted random-access storage envelopes:
// wrappers that keep every byte of a file, buffer or stream-shaped blob
// confidential and the envelope key authenticated, while callers still read
// and write arbitrary byte ranges at arbitrary offsets.
//
// # Overview
//
// An envelope consists of a fixed-size authenticated block and a data
// region. The block carries a random per-object instance key encrypted
// under a key derived from the session MasterSecret, together with a MAC,
// a version tag and a magic number. The data region is encrypted with a
// seekable stream cipher keyed from the instance key, so ciphertext and
// plaintext have the same size and any offset can be decrypted on its own.
//
// Three adapters share the wire format:
//   - EncryptedBuffer: random access, block at offset 0
//   - EncryptedThing: random access, block at the end of the store
//   - EncryptedBucket: sequential streams over a Bucket, block at offset 0
//
// # Envelope Types
//
// The supported suites form a closed table (see Types):
//
//	version  name                    cipher       mac          placement  block
//	1        chacha20-hmac-sha256    ChaCha20     HMAC-SHA256  header     88
//	2        aes256ctr-hmac-sha256   AES-256-CTR  HMAC-SHA256  header     92
//	3        chacha20-blake2b        ChaCha20     BLAKE2b-256  footer     88
//	4        aes256ctr-hmac-sha512   AES-256-CTR  HMAC-SHA512  footer     124
//
// # Basic Usage
//
//	secret, err := envelopefs.NewMasterSecret()
//	if err != nil {
//	    panic(err)
//	}
//	defer secret.Destroy()
//
//	store := envelopefs.NewMemoryStore(4096)
//	buf, err := envelopefs.OpenBuffer(store, envelopefs.ChaCha20HMACSHA256, secret, true, nil)
//	if err != nil {
//	    panic(err)
//	}
//	defer buf.Close()
//
//	buf.Pwrite(100, []byte("hello world"))
//	data, _ := buf.Pread(100, 11)
//
// # Key Hierarchy
//
//   - header keys: derived from the MasterSecret per envelope type
//   - instance key: random per object, stored encrypted in the block
//   - data key and IV: derived from the instance key
//
// All derivations use HKDF-Expand over SHA-512 with labels namespaced by
// "envelopefs/".
//
// # Secret Rotation
//
// RotateSecret re-seals the instance key of an existing envelope under a
// new MasterSecret. Only the authenticated block is rewritten. While a
// rotation is rolling out, OpenWithSecrets accepts either secret.
//
// # Performance
//
// Large reads and writes are split into keystream segments processed by a
// worker pool (see ParallelConfig). Forward seeks shorter than
// Config.SkipThreshold discard keystream instead of rebuilding the cipher.
//
// # Security Considerations
//
// Protected Against:
//   - Reading stored data without the MasterSecret
//   - Tampering with the authenticated block (detected at open)
//   - Keystream reuse across objects (fresh instance key per object)
//
// Not Protected Against:
//   - Tampering with the data region: stream ciphers give no per-byte
//     integrity, so modified ciphertext decrypts to modified plaintext
//   - Keystream reuse when the same offset of a buffer is rewritten
//   - Metadata leakage (sizes, access patterns)
//
// A wrong MasterSecret and a tampered block fail identically with a
// CorruptionError.
package envelopefs
