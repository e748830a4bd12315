// Command entidb is the CLI collaborator spec section 6 describes: a
// thin wrapper over pkg/db.Handle exposing open/put/get/delete/
// checkpoint/compact/stats, exiting 0 on success and mapping the
// engine's error taxonomy onto the spec's fixed exit codes (1 generic,
// 2 corruption, 3 lock held, 4 version mismatch).
//
// It generalizes cuemby-warren's cmd/warren — a cobra root command with
// persistent logging flags and a subcommand per noun/verb pair, each
// RunE opening a short-lived connection (there, to a manager; here, to
// a database directory), doing one operation, and printing a plain
// human-readable summary — onto entidb's own vocabulary.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	cerrors "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/tembocs/entidb/pkg/db"
	"github.com/tembocs/entidb/pkg/docfmt"
	"github.com/tembocs/entidb/pkg/elog"
	engerrors "github.com/tembocs/entidb/pkg/errors"
	"github.com/tembocs/entidb/pkg/wal"
)

// Version is set via -ldflags at release build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "entidb",
	Short:   "entidb - an embeddable, single-writer document database",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "database directory (required)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.MarkPersistentFlagRequired("dir")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	elog.Init(elog.Config{Level: elog.Level(level), JSONOutput: jsonOut})
}

// exitCodeFor maps the engine's error taxonomy (spec section 7) onto
// the CLI collaborator's fixed exit codes (spec section 6).
func exitCodeFor(err error) int {
	var corruption *engerrors.CorruptionError
	var versionMismatch *engerrors.VersionMismatchError
	var lockHeld *engerrors.LockHeldError
	switch {
	case cerrors.As(err, &corruption):
		return 2
	case cerrors.As(err, &lockHeld):
		return 3
	case cerrors.As(err, &versionMismatch):
		return 4
	default:
		return 1
	}
}

// openHandle opens the database directory named by the --dir
// persistent flag with convenience defaults suited to a one-shot CLI
// invocation: create the directory's database if it doesn't exist yet,
// and never refuse a full-collection scan outright.
func openHandle(cmd *cobra.Command) (*db.Handle, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		return nil, engerrors.NewInvalidArgumentError("--dir is required")
	}
	cfg := db.DefaultConfig()
	return db.Open(dir, cfg)
}

// parseEntityID accepts a hex-encoded 16-byte entity id, the CLI's
// plain-text rendering of wal.EntityID.
func parseEntityID(s string) (wal.EntityID, error) {
	var id wal.EntityID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, engerrors.NewInvalidArgumentError("entity id must be hex-encoded: " + err.Error())
	}
	if len(b) != len(id) {
		return id, engerrors.NewInvalidArgumentError(fmt.Sprintf("entity id must decode to %d bytes, got %d", len(id), len(b)))
	}
	copy(id[:], b)
	return id, nil
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open (creating if needed) the database directory and report its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()
		healthy, reason := h.Healthy()
		if healthy {
			fmt.Println("ok: database is healthy")
			return nil
		}
		fmt.Printf("needs recovery: %v\n", reason)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put COLLECTION_ID [ENTITY_ID]",
	Short: "Insert or update one document, read from --doc as an Extended JSON object",
	Long:  "Insert or update one document. ENTITY_ID is a hex-encoded 16-byte id; omit it to mint a fresh time-ordered one.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var collectionID uint32
		if _, err := fmt.Sscanf(args[0], "%d", &collectionID); err != nil {
			return engerrors.NewInvalidArgumentError("collection id must be a number")
		}

		var entityID wal.EntityID
		if len(args) == 2 {
			id, err := parseEntityID(args[1])
			if err != nil {
				return err
			}
			entityID = id
		} else {
			id, err := wal.NewEntityID()
			if err != nil {
				return err
			}
			entityID = id
		}

		docJSON, _ := cmd.Flags().GetString("doc")
		if docJSON == "" {
			return engerrors.NewInvalidArgumentError("--doc is required")
		}
		doc, err := docfmt.FromJSON(docJSON)
		if err != nil {
			return engerrors.NewInvalidArgumentError("--doc must be an Extended JSON object: " + err.Error())
		}

		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()

		seq, err := h.Put(collectionID, entityID, doc, nil)
		if err != nil {
			return err
		}
		fmt.Printf("ok: committed at sequence %d, entity %s\n", seq, hex.EncodeToString(entityID[:]))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get COLLECTION_ID ENTITY_ID",
	Short: "Print the document visible for (collection, entity), if any",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var collectionID uint32
		if _, err := fmt.Sscanf(args[0], "%d", &collectionID); err != nil {
			return engerrors.NewInvalidArgumentError("collection id must be a number")
		}
		entityID, err := parseEntityID(args[1])
		if err != nil {
			return err
		}

		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()

		doc, ok, err := h.Get(collectionID, entityID)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("not found")
			return nil
		}
		out, err := docfmt.ToJSON(doc)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete COLLECTION_ID ENTITY_ID",
	Short: "Delete one document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var collectionID uint32
		if _, err := fmt.Sscanf(args[0], "%d", &collectionID); err != nil {
			return engerrors.NewInvalidArgumentError("collection id must be a number")
		}
		entityID, err := parseEntityID(args[1])
		if err != nil {
			return err
		}

		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()

		seq, err := h.Delete(collectionID, entityID, nil)
		if err != nil {
			return err
		}
		fmt.Printf("ok: committed at sequence %d\n", seq)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Run a checkpoint, materializing every commit into segments and truncating the WAL",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()
		if err := h.Checkpoint(); err != nil {
			return err
		}
		fmt.Println("ok: checkpoint complete")
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rewrite sealed segments, dropping tombstones older than --drop-tombstones-older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()

		var threshold *uint64
		if cmd.Flags().Changed("drop-tombstones-older-than") {
			v, _ := cmd.Flags().GetUint64("drop-tombstones-older-than")
			threshold = &v
		}
		stats, err := h.Compact(threshold)
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d segments compacted, %d tombstones dropped\n", stats.SegmentsBefore, stats.TombstonesDropped)
		return nil
	},
}

func init() {
	compactCmd.Flags().Uint64("drop-tombstones-older-than", 0, "sequence horizon below which tombstones are dropped")
	putCmd.Flags().String("doc", "", "document to write, as an Extended JSON object")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the handle's counters snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openHandle(cmd)
		if err != nil {
			return err
		}
		defer h.Close()

		s := h.Stats()
		fmt.Printf("commits:      %d\n", s.Commits)
		fmt.Printf("aborts:       %d\n", s.Aborts)
		fmt.Printf("conflicts:    %d\n", s.Conflicts)
		fmt.Printf("bytes:        %d\n", s.BytesAppended)
		fmt.Printf("checkpoints:  %d\n", s.Checkpoints)
		fmt.Printf("compactions:  %d\n", s.Compactions)
		return nil
	},
}
