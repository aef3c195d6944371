package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/absfs/absfs"
	"github.com/absfs/envelopefs"
	"github.com/absfs/memfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// selftestDir is the memfs directory the self test works in
const selftestDir = "/selftest"

// selftestCmd exercises every envelope type against an in-memory
// filesystem and reports the collected metrics
func (a *app) selftestCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Round-trip every envelope type through an in-memory filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := envelopefs.ValidateSize(size, "size", 1, 64<<20); err != nil {
				return err
			}
			return a.runSelftest(size)
		},
	}
	cmd.Flags().IntVar(&size, "size", 64*1024, "data region size per envelope")
	return cmd
}

func (a *app) runSelftest(size int) error {
	fsys, err := memfs.NewFS()
	if err != nil {
		return fmt.Errorf("failed to create memory filesystem: %w", err)
	}
	if err := fsys.MkdirAll(selftestDir, 0700); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := envelopefs.NewMetrics(reg)

	secret, err := envelopefs.NewMasterSecret()
	if err != nil {
		return err
	}
	defer secret.Destroy()

	for _, typ := range envelopefs.Types() {
		cfg, err := a.settings.envelopeConfig(a.logger, typ.Name, metrics)
		if err != nil {
			return err
		}

		if err := selftestRandomAccess(fsys, typ, secret, cfg, size); err != nil {
			return fmt.Errorf("%s random access: %w", typ, err)
		}
		fmt.Fprintf(a.out, "ok  %-24s random access\n", typ)

		if typ.Placement != envelopefs.PlacementHeader {
			continue
		}
		if err := selftestBucket(fsys, typ, secret, cfg, size); err != nil {
			return fmt.Errorf("%s bucket: %w", typ, err)
		}
		fmt.Fprintf(a.out, "ok  %-24s bucket\n", typ)
	}

	families, err := reg.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(a.out, l)
	}
	a.logger.Info("self test passed", zap.Int("types", len(envelopefs.Types())))
	return nil
}

// selftestRandomAccess writes random data at scattered offsets, reopens
// the envelope and checks the data and the rejection of a foreign secret
func selftestRandomAccess(fsys absfs.FileSystem, typ envelopefs.EnvelopeType, secret *envelopefs.MasterSecret, cfg *envelopefs.Config, size int) error {
	name := path.Join(selftestDir, typ.Name+".env")
	store, err := envelopefs.CreateFileStore(fsys, name, int64(size+typ.HeaderLength()))
	if err != nil {
		return err
	}
	buf, err := openTyped(store, typ, secret, true, cfg)
	if err != nil {
		store.Free()
		return err
	}

	want := make([]byte, size)
	if _, err := rand.Read(want); err != nil {
		buf.Free()
		return err
	}
	// Back to front so every write rebuilds or skips the keystream
	chunk := size/7 + 1
	for off := (size - 1) / chunk * chunk; off >= 0; off -= chunk {
		end := off + chunk
		if end > size {
			end = size
		}
		if err := buf.Pwrite(int64(off), want[off:end]); err != nil {
			buf.Free()
			return err
		}
	}
	if err := buf.Close(); err != nil {
		return err
	}

	reopened, err := envelopefs.OpenFileStore(fsys, name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	buf, err = openTyped(reopened, typ, secret, false, cfg)
	if err != nil {
		reopened.Free()
		return err
	}
	defer buf.Free()

	got, err := buf.Pread(0, size)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errors.New("data mismatch after reopen")
	}

	foreign, err := envelopefs.NewMasterSecret()
	if err != nil {
		return err
	}
	defer foreign.Destroy()

	probe, err := envelopefs.OpenFileStore(fsys, name, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer probe.Close()
	if _, err := openTyped(probe, typ, foreign, false, cfg); !envelopefs.IsCorruptionError(err) {
		return fmt.Errorf("foreign secret not rejected: %v", err)
	}
	return nil
}

// selftestBucket streams data through a file bucket, a shadow of it and
// its random-access conversion
func selftestBucket(fsys absfs.FileSystem, typ envelopefs.EnvelopeType, secret *envelopefs.MasterSecret, cfg *envelopefs.Config, size int) error {
	fb, err := envelopefs.NewTempFileBucket(fsys, path.Join(selftestDir, "buckets"))
	if err != nil {
		return err
	}
	bucket, err := envelopefs.NewEncryptedBucket(fb, typ, secret, cfg)
	if err != nil {
		return err
	}
	defer bucket.Free()

	want := make([]byte, size)
	if _, err := rand.Read(want); err != nil {
		return err
	}

	w, err := bucket.OutputStream()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(want)); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := readBucket(bucket, want); err != nil {
		return fmt.Errorf("input stream: %w", err)
	}

	shadow, err := bucket.CreateShadow()
	if err != nil {
		return err
	}
	defer shadow.Free()
	if err := readBucket(shadow, want); err != nil {
		return fmt.Errorf("shadow: %w", err)
	}
	view, err := shadow.ToBuffer()
	if err != nil {
		return fmt.Errorf("shadow buffer: %w", err)
	}
	writeErr := view.Pwrite(0, want[:1])
	view.Close()
	if !errors.Is(writeErr, envelopefs.ErrReadOnly) {
		return fmt.Errorf("shadow buffer accepted a write: %v", writeErr)
	}

	buf, err := bucket.ToBuffer()
	if err != nil {
		return err
	}
	defer buf.Close()

	tail, err := buf.Pread(int64(size/2), size-size/2)
	if err != nil {
		return err
	}
	if !bytes.Equal(tail, want[size/2:]) {
		return errors.New("buffer view mismatch")
	}
	return nil
}

func readBucket(b *envelopefs.EncryptedBucket, want []byte) error {
	r, err := b.InputStream()
	if err != nil {
		return err
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return errors.New("data mismatch")
	}
	return nil
}
