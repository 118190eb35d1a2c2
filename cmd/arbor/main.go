package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"arbor/pkg/blob"
	"arbor/pkg/config"
	"arbor/pkg/fusefs"
	"arbor/pkg/metrics"
	"arbor/pkg/resolver"
	"arbor/pkg/tree"
	"arbor/pkg/utils"
)

var (
	configFile    string
	workspaceFile string
	verbose       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arbor",
		Short: "Virtual file tree with indexed search",
		Long: `An in-process hierarchical resource store with path-addressed CRUD,
archive import/export, name and content search, and project type detection.
Commands operate on a workspace image, a zip file holding the whole tree.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspaceFile, "workspace", "w", "workspace.zip", "workspace image path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		versionCmd(),
		treeCmd(),
		lsCmd(),
		statCmd(),
		mkdirCmd(),
		putCmd(),
		catCmd(),
		rmCmd(),
		mvCmd(),
		cpCmd(),
		searchCmd(),
		importCmd(),
		exportCmd(),
		estimateCmd(),
		projectCmd(),
		mountCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Arbor Virtual Tree v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (blob.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal:
		return blob.NewLocalStore(blob.LocalConfig{
			RootPath:    cfg.Storage.DataDir,
			Compression: cfg.Storage.Compression,
		}, logger)
	case config.BackendS3:
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Bucket:    cfg.Storage.S3.Bucket,
			Prefix:    cfg.Storage.S3.Prefix,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Region:    cfg.Storage.S3.Region,
		}, logger)
	default:
		return blob.NewMemoryStore(), nil
	}
}

// openWorkspace builds a tree from the configured storage backend and
// loads the workspace image into it when one exists on disk.
func openWorkspace(ctx context.Context, logger *zap.Logger) (*tree.Tree, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.BlobTimeout()
	if err != nil {
		return nil, err
	}

	t := tree.New(tree.Options{
		CaseInsensitive:    cfg.Tree.CaseInsensitive,
		MaxIndexedFileSize: int(cfg.IndexCap()),
		BlobTimeout:        timeout,
		EventQueueSize:     cfg.Tree.EventQueueSize,
	}, tree.Deps{
		Blobs:    store,
		Resolver: resolver.NewRuleResolver(resolver.DefaultRules()),
		Metrics:  metrics.NewTreeMetrics(prometheus.NewRegistry()),
		Logger:   logger,
	})

	data, err := os.ReadFile(workspaceFile)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace image: %w", err)
	}
	if err := t.ImportArchive(ctx, "/", data, true, 0); err != nil {
		return nil, fmt.Errorf("failed to load workspace image: %w", err)
	}
	return t, nil
}

// saveWorkspace writes the whole tree back to the workspace image. The
// write goes through a temp file so a crash never truncates the image.
func saveWorkspace(ctx context.Context, t *tree.Tree) error {
	rc, err := t.ExportArchive(ctx, "/")
	if err != nil {
		return fmt.Errorf("failed to export workspace: %w", err)
	}
	defer rc.Close()

	tmp := workspaceFile + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create workspace image: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write workspace image: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, workspaceFile)
}

// withWorkspace runs fn against the loaded workspace and saves it back
// when fn mutates the tree.
func withWorkspace(mutating bool, fn func(ctx context.Context, t *tree.Tree) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	ctx := context.Background()
	t, err := openWorkspace(ctx, logger)
	if err != nil {
		return err
	}
	defer t.Close(ctx)

	if err := fn(ctx, t); err != nil {
		return err
	}
	if mutating {
		return saveWorkspace(ctx, t)
	}
	return nil
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List folder contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				entries, err := t.List(path)
				if err != nil {
					return err
				}
				tbl := newTable("NAME", "TYPE", "SIZE", "MODIFIED")
				for _, entry := range entries {
					kind := "file"
					size := utils.FormatDataSize(entry.Size)
					if entry.IsFolder {
						kind = "folder"
						size = "-"
					}
					tbl.Row(entry.Name, kind, size, entry.Modified.Format("2006-01-02 15:04:05"))
				}
				fmt.Println(tbl.Render())
				return nil
			})
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show entry details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				entry, err := t.Stat(args[0])
				if err != nil {
					return err
				}
				kind := "file"
				if entry.IsFolder {
					kind = "folder"
				}
				fmt.Printf("Path:     %s\n", entry.Path)
				fmt.Printf("Type:     %s\n", kind)
				if !entry.IsFolder {
					fmt.Printf("Size:     %s\n", utils.FormatDataSize(entry.Size))
				}
				fmt.Printf("Modified: %s\n", entry.Modified.Format("2006-01-02 15:04:05"))
				return nil
			})
		},
	}
}

func mkdirCmd() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				if parents {
					_, err := t.EnsureFolder(ctx, args[0])
					return err
				}
				_, err := t.CreateFolder(ctx, args[0])
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent folders")
	return cmd
}

func putCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <local-file> <path>",
		Short: "Store a local file in the tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				dest := strings.TrimSuffix(args[1], "/")
				parent, name := "/", dest
				if slash := strings.LastIndex(dest, "/"); slash >= 0 {
					parent, name = dest[:slash], dest[slash+1:]
					if parent == "" {
						parent = "/"
					}
				}
				if overwrite {
					if _, statErr := t.Stat(dest); statErr == nil {
						return t.UpdateContent(ctx, dest, data)
					}
				}
				_, err := t.CreateFile(ctx, parent, name, data)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "overwrite an existing file")
	return cmd
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print file content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				data, err := t.ReadFile(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
}

func rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				return t.Delete(ctx, args[0])
			})
		},
	}
}

func mvCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "mv <src> <dest-folder> [new-name]",
		Short: "Move or rename a file or folder",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 3 {
				name = args[2]
			}
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				entry, err := t.MoveTo(ctx, args[0], args[1], name, overwrite)
				if err != nil {
					return err
				}
				fmt.Printf("Moved to %s\n", entry.Path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "replace an existing destination")
	return cmd
}

func cpCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "cp <src> <dest-folder> [new-name]",
		Short: "Copy a file or folder subtree",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 3 {
				name = args[2]
			}
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				entry, err := t.CopyTo(ctx, args[0], args[1], name, overwrite)
				if err != nil {
					return err
				}
				fmt.Printf("Copied to %s\n", entry.Path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "replace an existing destination")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		namePattern string
		text        string
		maxItems    int
		skipCount   int
	)
	cmd := &cobra.Command{
		Use:   "search [path]",
		Short: "Search files by name pattern and content",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				res, err := t.Search(ctx, path, namePattern, text, maxItems, skipCount)
				if err != nil {
					return err
				}
				for _, entry := range res.Entries {
					fmt.Println(entry.Path)
				}
				fmt.Printf("%d of %d hits\n", len(res.Entries), res.TotalHits)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&namePattern, "name", "n", "", "glob pattern matched against file names")
	cmd.Flags().StringVarP(&text, "text", "t", "", "words that must all appear in the content")
	cmd.Flags().IntVar(&maxItems, "max", 0, "page size, 0 for unlimited")
	cmd.Flags().IntVar(&skipCount, "skip", 0, "number of hits to skip")
	return cmd
}

func importCmd() *cobra.Command {
	var (
		overwrite   bool
		stripLevels int
	)
	cmd := &cobra.Command{
		Use:   "import <zip-file> <target-folder>",
		Short: "Unpack a zip archive into a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				return t.ImportArchive(ctx, args[1], data, overwrite, stripLevels)
			})
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "replace existing files")
	cmd.Flags().IntVar(&stripLevels, "strip", 0, "leading path segments to strip from entries")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path> <out-file>",
		Short: "Export a subtree as a zip archive, or a file as raw bytes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				rc, err := t.ExportArchive(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				out, err := os.Create(args[1])
				if err != nil {
					return err
				}
				if _, err := io.Copy(out, rc); err != nil {
					out.Close()
					return err
				}
				return out.Close()
			})
		},
	}
}

func estimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <path>",
		Short: "Detect project types under a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				estimations, err := t.EstimateType(ctx, args[0])
				if err != nil {
					return err
				}
				if len(estimations) == 0 {
					fmt.Println("No project type detected")
					return nil
				}
				for _, est := range estimations {
					if !est.Matched {
						continue
					}
					fmt.Printf("%s\n", est.Type)
					for key, values := range est.Attributes {
						fmt.Printf("  %s: %s\n", key, strings.Join(values, ", "))
					}
				}
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage project decorations on folders",
	}
	var projectType string
	register := &cobra.Command{
		Use:   "register <path>",
		Short: "Mark a folder as a project root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(true, func(ctx context.Context, t *tree.Tree) error {
				_, err := t.RegisterProject(ctx, args[0], projectType, nil)
				return err
			})
		},
	}
	register.Flags().StringVar(&projectType, "type", "blank", "project type")
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(false, func(ctx context.Context, t *tree.Tree) error {
				for _, entry := range t.Projects() {
					fmt.Println(entry.Path)
				}
				return nil
			})
		},
	}
	cmd.AddCommand(register, list)
	return cmd
}

func mountCmd() *cobra.Command {
	var (
		allowOther bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "mount <mount-point>",
		Short: "Mount the workspace as a FUSE filesystem",
		Long: `Mount the workspace image at a local mount point. Changes made
through the mount are written back to the image on unmount.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			ctx := context.Background()
			t, err := openWorkspace(ctx, logger)
			if err != nil {
				return err
			}
			defer t.Close(ctx)

			server, err := fusefs.Mount(t, fusefs.MountOptions{
				MountPoint: args[0],
				AllowOther: allowOther,
				Debug:      debug,
			}, logger)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("Shutting down")
				fusefs.Unmount(server, logger)
			}()

			server.Wait()
			return saveWorkspace(ctx, t)
		},
	}
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable FUSE debug logging")
	return cmd
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}
