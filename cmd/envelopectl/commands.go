package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/absfs/envelopefs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// keygenCmd generates a new master secret
func (a *app) keygenCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new hex encoded master secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := envelopefs.NewMasterSecret()
			if err != nil {
				return err
			}
			defer secret.Destroy()

			raw, err := secret.Bytes()
			if err != nil {
				return err
			}
			encoded := hex.EncodeToString(raw)
			for i := range raw {
				raw[i] = 0
			}

			if outFile == "" {
				_, err := fmt.Fprintln(a.out, encoded)
				return err
			}
			if err := os.WriteFile(outFile, []byte(encoded+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write secret file: %w", err)
			}
			a.logger.Info("master secret written", zap.String("file", outFile))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the secret to this file (mode 0600) instead of stdout")
	return cmd
}

// typesCmd lists the supported envelope types
func (a *app) typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the supported envelope types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tCIPHER\tMAC\tPLACEMENT\tBLOCK")
			for _, t := range envelopefs.Types() {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n", t.Version, t.Name, t.Cipher, t.MAC, t.Placement, t.HeaderLength())
			}
			return tw.Flush()
		},
	}
}

// createCmd creates a new envelope file
func (a *app) createCmd() *cobra.Command {
	var size int64

	cmd := &cobra.Command{
		Use:   "create FILE",
		Short: "Create a new envelope with a zero-filled data region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := envelopefs.ValidateOffset(size, "size"); err != nil {
				return err
			}
			typ, err := a.settings.envelopeType()
			if err != nil {
				return err
			}
			if a.settings.Placement != "" && a.settings.Placement != typ.Placement.String() {
				return fmt.Errorf("type %s uses %s placement, not %s", typ, typ.Placement, a.settings.Placement)
			}
			secret, err := a.settings.masterSecret()
			if err != nil {
				return err
			}
			defer secret.Destroy()

			f, err := os.OpenFile(args[0], os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return err
			}
			if err := f.Truncate(size + int64(typ.HeaderLength())); err != nil {
				f.Close()
				os.Remove(args[0])
				return err
			}

			cfg, err := a.settings.envelopeConfig(a.logger, args[0], nil)
			if err != nil {
				f.Close()
				return err
			}
			buf, err := openTyped(envelopefs.NewFileStore(f), typ, secret, true, cfg)
			if err != nil {
				f.Close()
				os.Remove(args[0])
				return err
			}
			defer buf.Close()

			fmt.Fprintf(a.out, "created %s: %s, %d byte data region\n", args[0], typ, buf.Size())
			return buf.Sync()
		},
	}
	cmd.Flags().Int64Var(&size, "size", 0, "size of the data region in bytes")
	return cmd
}

// writeCmd writes plaintext into an existing envelope
func (a *app) writeCmd() *cobra.Command {
	var (
		offset int64
		data   string
	)

	cmd := &cobra.Command{
		Use:   "write FILE",
		Short: "Write plaintext from --data or stdin at an offset of the data region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(data)
			if !cmd.Flags().Changed("data") {
				var err error
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
			}

			buf, err := a.openFile(args[0], os.O_RDWR)
			if err != nil {
				return err
			}
			defer buf.Close()

			if err := buf.Pwrite(offset, payload); err != nil {
				return err
			}
			if err := buf.Sync(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %d bytes at offset %d\n", len(payload), offset)
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "offset in the data region")
	cmd.Flags().StringVar(&data, "data", "", "plaintext to write (default: read stdin)")
	return cmd
}

// readCmd reads plaintext from an existing envelope
func (a *app) readCmd() *cobra.Command {
	var (
		offset int64
		length int64
	)

	cmd := &cobra.Command{
		Use:   "read FILE",
		Short: "Write plaintext of the data region to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := a.openFile(args[0], os.O_RDONLY)
			if err != nil {
				return err
			}
			defer buf.Close()

			if length < 0 {
				length = buf.Size() - offset
			}
			data, err := buf.Pread(offset, int(length))
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "offset in the data region")
	cmd.Flags().Int64Var(&length, "length", -1, "number of bytes to read (default: to the end)")
	return cmd
}

// infoCmd describes an envelope file without decrypting it
func (a *app) infoCmd() *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Show the envelope type and sizes of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			store := envelopefs.NewFileStore(f)
			defer store.Close()

			typ, err := a.detect(store)
			if err != nil {
				return err
			}
			total, err := store.Size()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "file\t%s\n", args[0])
			fmt.Fprintf(tw, "type\t%s (version %d)\n", typ, typ.Version)
			fmt.Fprintf(tw, "cipher\t%s\n", typ.Cipher)
			fmt.Fprintf(tw, "mac\t%s\n", typ.MAC)
			fmt.Fprintf(tw, "placement\t%s\n", typ.Placement)
			fmt.Fprintf(tw, "block\t%d bytes\n", typ.HeaderLength())
			fmt.Fprintf(tw, "data\t%d bytes\n", total-int64(typ.HeaderLength()))

			if verify {
				secret, err := a.settings.masterSecret()
				if err != nil {
					return err
				}
				defer secret.Destroy()

				cfg, err := a.settings.envelopeConfig(a.logger, args[0], nil)
				if err != nil {
					return err
				}
				// The verifying envelope owns the store from here on
				buf, err := openTyped(store, typ, secret, false, cfg)
				if err != nil {
					fmt.Fprintf(tw, "verified\tno\n")
					tw.Flush()
					return err
				}
				defer buf.Close()
				fmt.Fprintf(tw, "verified\tyes\n")
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify the authenticated block against the master secret")
	return cmd
}

// rekeyCmd re-seals an envelope under a new master secret
func (a *app) rekeyCmd() *cobra.Command {
	var (
		newSecretHex  string
		newSecretFile string
		dryRun        bool
	)

	cmd := &cobra.Command{
		Use:   "rekey FILE",
		Short: "Re-seal the authenticated block under a new master secret",
		Long: `rekey verifies the envelope under the configured master secret and
rewrites its authenticated block for the new secret. The data region is
left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				newSecret *envelopefs.MasterSecret
				err       error
			)
			switch {
			case newSecretHex != "":
				newSecret, err = parseSecret(newSecretHex)
			case newSecretFile != "":
				newSecret, err = readSecretFile(newSecretFile)
			case dryRun:
				newSecret, err = envelopefs.NewMasterSecret()
			default:
				err = errors.New("no new master secret: set --new-secret or --new-secret-file")
			}
			if err != nil {
				return err
			}
			defer newSecret.Destroy()

			oldSecret, err := a.settings.masterSecret()
			if err != nil {
				return err
			}
			defer oldSecret.Destroy()

			f, err := os.OpenFile(args[0], os.O_RDWR, 0)
			if err != nil {
				return err
			}
			store := envelopefs.NewFileStore(f)
			defer store.Close()

			typ, err := a.detect(store)
			if err != nil {
				return err
			}
			cfg, err := a.settings.envelopeConfig(a.logger, args[0], nil)
			if err != nil {
				return err
			}
			opts := envelopefs.RotationOptions{DryRun: dryRun, Verify: true}
			if err := envelopefs.RotateSecret(store, typ, oldSecret, newSecret, cfg, opts); err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintf(a.out, "%s verified, not rewritten\n", args[0])
				return nil
			}
			if err := store.Sync(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "rekeyed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&newSecretHex, "new-secret", "", "hex encoded new master secret")
	cmd.Flags().StringVar(&newSecretFile, "new-secret-file", "", "file holding the hex encoded new master secret")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only verify the envelope under the current secret")
	return cmd
}

// openFile opens an existing envelope file with the configured secret
func (a *app) openFile(name string, flag int) (*envelopefs.EncryptedBuffer, error) {
	secret, err := a.settings.masterSecret()
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, err
	}
	store := envelopefs.NewFileStore(f)

	typ, err := a.detect(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	cfg, err := a.settings.envelopeConfig(a.logger, name, nil)
	if err != nil {
		store.Close()
		return nil, err
	}
	buf, err := openTyped(store, typ, secret, false, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	return buf, nil
}

// detect finds the envelope type of store. Without a configured placement
// both placements are probed, header first.
func (a *app) detect(store envelopefs.Store) (envelopefs.EnvelopeType, error) {
	if a.settings.Placement != "" {
		p, err := a.settings.placement()
		if err != nil {
			return envelopefs.EnvelopeType{}, err
		}
		return envelopefs.DetectType(store, p)
	}

	typ, err := envelopefs.DetectType(store, envelopefs.PlacementHeader)
	if err == nil {
		return typ, nil
	}
	if typ, ferr := envelopefs.DetectType(store, envelopefs.PlacementFooter); ferr == nil {
		return typ, nil
	}
	return envelopefs.EnvelopeType{}, err
}

// openTyped opens store with the adapter matching the type's placement
func openTyped(store envelopefs.Store, typ envelopefs.EnvelopeType, secret *envelopefs.MasterSecret, isNew bool, cfg *envelopefs.Config) (*envelopefs.EncryptedBuffer, error) {
	switch typ.Placement {
	case envelopefs.PlacementHeader:
		return envelopefs.OpenBuffer(store, typ, secret, isNew, cfg)
	case envelopefs.PlacementFooter:
		thing, err := envelopefs.OpenThing(store, typ, secret, isNew, cfg)
		if err != nil {
			return nil, err
		}
		return thing.EncryptedBuffer, nil
	default:
		return nil, errors.New("unknown placement")
	}
}
