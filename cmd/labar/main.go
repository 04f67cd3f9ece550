// labar is the command-line front-end over the engine: build, unpack,
// garbage-collect, compress, export/import, and talk to a registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glennswest/labar/internal/advisorylock"
	"github.com/glennswest/labar/internal/engine"
	"github.com/glennswest/labar/internal/printer"
	"github.com/glennswest/labar/internal/recipe"
	"github.com/glennswest/labar/internal/reference"
	"github.com/glennswest/labar/internal/regconfig"
	"github.com/glennswest/labar/internal/registryclient"
	"github.com/glennswest/labar/internal/registryserver"
	"github.com/glennswest/labar/internal/state"
	"github.com/glennswest/labar/internal/transfer"
)

var version = "dev"

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	if err := newRootCommand(log).Execute(); err != nil {
		log.Fatalw("labar failed", "error", err)
	}
}

func newRootCommand(log *zap.SugaredLogger) *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:     "labar",
		Short:   "Content-addressed image engine for arbitrary file trees",
		Version: version,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "local content store and state directory")

	root.AddCommand(
		newBuildCommand(log, &dataDir),
		newTagCommand(log, &dataDir),
		newUnpackCommand(log, &dataDir),
		newRemoveUnpackingCommand(log, &dataDir),
		newGCCommand(log, &dataDir),
		newCompressCommand(log, &dataDir),
		newDecompressCommand(log, &dataDir),
		newExportCommand(log, &dataDir),
		newImportCommand(log, &dataDir),
		newPushCommand(log, &dataDir),
		newPullCommand(log, &dataDir),
		newSyncCommand(log, &dataDir),
		newServeCommand(log, &dataDir),
	)
	return root
}

func defaultDataDir() string {
	if v := os.Getenv("LABAR_DATA_DIR"); v != "" {
		return v
	}
	return "/var/lib/labar"
}

func openStore(dataDir string) (engine.Config, *state.Store, error) {
	config := engine.Config{BaseDir: dataDir}
	store, err := state.Open(config.StatePath())
	if err != nil {
		return engine.Config{}, nil, fmt.Errorf("opening state: %w", err)
	}
	return config, store, nil
}

// withWriteLock guards a catalogue mutation with the process-wide writer
// lock, matching spec.md §5's list of lock-guarded write operations
// (build, remove-image, GC, compress, import, tag-image, registry
// mutations).
func withWriteLock(config engine.Config, store *state.Store, fn func(ws *state.WriteSession) error) error {
	lock, err := advisorylock.Acquire(config.WriteLockPath())
	if err != nil {
		return fmt.Errorf("acquiring write lock: %w", err)
	}
	defer lock.Unlock()
	return store.Update(fn)
}

// withUnpackLock guards an unpack/remove-unpacking mutation with the
// separate unpack lock, matching spec.md §5's writer-lock/unpack-lock
// split.
func withUnpackLock(config engine.Config, store *state.Store, fn func(ws *state.WriteSession) error) error {
	lock, err := advisorylock.Acquire(config.UnpackLockPath())
	if err != nil {
		return fmt.Errorf("acquiring unpack lock: %w", err)
	}
	defer lock.Unlock()
	return store.Update(fn)
}

func newBuildCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var tagText string
	var recipePath string
	var force bool
	var fromDirectory bool

	cmd := &cobra.Command{
		Use:   "build <context-dir>",
		Short: "Build an image definition against a build context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildContext := args[0]

			var def *recipe.ImageDefinition
			if fromDirectory {
				parsed, err := recipe.CreateFromDirectory(buildContext)
				if err != nil {
					return fmt.Errorf("building definition from directory: %w", err)
				}
				def = parsed
			} else {
				content, err := os.ReadFile(recipePath)
				if err != nil {
					return fmt.Errorf("reading recipe: %w", err)
				}
				parsed, err := recipe.Parse(string(content), nil)
				if err != nil {
					return fmt.Errorf("parsing recipe: %w", err)
				}
				def = parsed
			}

			tag, err := reference.ParseImageTag(tagText)
			if err != nil {
				return fmt.Errorf("parsing tag: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			buildManager := engine.NewBuildManager(config, p)
			layerManager := engine.NewLayerManager(config, store)

			var result engine.BuildResult
			err = withWriteLock(config, store, func(ws *state.WriteSession) error {
				var buildErr error
				result, buildErr = buildManager.BuildImage(ws, layerManager, buildContext, def, tag, force)
				return buildErr
			})
			if err != nil {
				return fmt.Errorf("building image: %w", err)
			}

			log.Infow("build complete", "tag", tag.String(), "hash", result.Image.Hash, "built_layers", len(result.BuiltLayers))
			return nil
		},
	}
	cmd.Flags().StringVarP(&recipePath, "file", "f", "labarfile", "path to the image definition")
	cmd.Flags().StringVarP(&tagText, "tag", "t", "", "tag to bind the built image to")
	cmd.Flags().BoolVar(&force, "force", false, "rebuild every layer, bypassing the content-hash cache")
	cmd.Flags().BoolVar(&fromDirectory, "from-directory", false, "build an implicit definition from the context directory instead of a recipe file: one layer per top-level sub-directory, one layer per root file")
	cmd.MarkFlagRequired("tag")
	return cmd
}

func newTagCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag <reference> <tag>",
		Short: "Bind an existing layer to a new tag without rebuilding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing reference: %w", err)
			}
			tag, err := reference.ParseImageTag(args[1])
			if err != nil {
				return fmt.Errorf("parsing tag: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			layerManager := engine.NewLayerManager(config, store)

			var image state.Image
			err = withWriteLock(config, store, func(ws *state.WriteSession) error {
				var tagErr error
				image, tagErr = layerManager.TagImage(ws, ref, tag)
				return tagErr
			})
			if err != nil {
				return fmt.Errorf("tagging image: %w", err)
			}

			log.Infow("tag complete", "tag", tag.String(), "hash", image.Hash)
			return nil
		},
	}
	return cmd
}

func newUnpackCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "unpack <reference> <dest-dir>",
		Short: "Materialise an image into a destination directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing reference: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			unpackManager := engine.NewUnpackManager(config, p)
			layerManager := engine.NewLayerManager(config, store)

			return withUnpackLock(config, store, func(ws *state.WriteSession) error {
				return unpackManager.Unpack(ws, layerManager, args[1], ref, replace)
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "remove any existing unpacking at the destination first")
	return cmd
}

func newRemoveUnpackingCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "remove-unpacking <dest-dir>",
		Short: "Tear down a previously unpacked destination directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			unpackManager := engine.NewUnpackManager(config, p)
			layerManager := engine.NewLayerManager(config, store)

			return withUnpackLock(config, store, func(ws *state.WriteSession) error {
				return unpackManager.RemoveUnpacking(ws, layerManager, args[0], force)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "swallow per-step teardown errors")
	return cmd
}

func newGCCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim layers unreachable from any image binding or unpacking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			gc := engine.NewGC(config, p)

			return withWriteLock(config, store, func(ws *state.WriteSession) error {
				if maxAge > 0 {
					if err := gc.CleanOldImages(ws, time.Now().UTC(), maxAge); err != nil {
						return err
					}
				}
				return gc.Collect(ws)
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "also remove image bindings older than this before sweeping (0 disables)")
	return cmd
}

func newCompressCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var threshold int64
	var always bool

	cmd := &cobra.Command{
		Use:   "compress <reference>",
		Short: "Gzip-compress a reference's File operations above a size threshold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing reference: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			buildManager := engine.NewBuildManager(config, p)
			layerManager := engine.NewLayerManager(config, store)

			return withWriteLock(config, store, func(ws *state.WriteSession) error {
				return buildManager.Compress(ws, layerManager, ref, threshold, always)
			})
		},
	}
	cmd.Flags().Int64Var(&threshold, "threshold", 1024, "minimum uncompressed byte size to compress")
	cmd.Flags().BoolVar(&always, "always", false, "compress every file regardless of size")
	return cmd
}

func newDecompressCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "decompress <reference>",
		Short: "Gunzip a reference's CompressedFile operations back to File operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := reference.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing reference: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			buildManager := engine.NewBuildManager(config, p)
			layerManager := engine.NewLayerManager(config, store)

			return withWriteLock(config, store, func(ws *state.WriteSession) error {
				return buildManager.Decompress(ws, layerManager, ref)
			})
		},
	}
}

func newExportCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <tag> <archive.zip>",
		Short: "Export a tag's full layer closure as a single zip archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := reference.ParseImageTag(args[0])
			if err != nil {
				return fmt.Errorf("parsing tag: %w", err)
			}

			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			layerManager := engine.NewLayerManager(config, store)
			transferManager := transfer.New(config, p)

			return store.View(func(s *state.Session) error {
				return transferManager.ExportImage(s, layerManager, tag, args[1])
			})
		},
	}
}

func newImportCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <archive.zip>",
		Short: "Import a previously exported zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, store, err := openStore(*dataDir)
			if err != nil {
				return err
			}

			p := printer.NewZapPrinter(log)
			layerManager := engine.NewLayerManager(config, store)
			transferManager := transfer.New(config, p)

			var result transfer.ImportResult
			err = withWriteLock(config, store, func(ws *state.WriteSession) error {
				var importErr error
				result, importErr = transferManager.ImportImage(ws, layerManager, args[0])
				return importErr
			})
			if err != nil {
				return err
			}

			log.Infow("import complete", "layers", len(result.Layers), "images", len(result.Images))
			return nil
		},
	}
}

func registryCredentials(cmd *cobra.Command) (username, password string, err error) {
	username, err = cmd.Flags().GetString("username")
	if err != nil {
		return "", "", err
	}
	password, err = cmd.Flags().GetString("password")
	if err != nil {
		return "", "", err
	}
	if password == "" {
		password = os.Getenv("LABAR_REGISTRY_PASSWORD")
	}
	return username, password, nil
}

func addRegistryFlags(cmd *cobra.Command) (*string, *int) {
	registry := cmd.Flags().String("registry", "", "registry base URL, e.g. https://registry.example.com:9000")
	cmd.Flags().String("username", "", "registry username")
	cmd.Flags().String("password", "", "registry password (or set LABAR_REGISTRY_PASSWORD)")
	retries := cmd.Flags().Int("retries", 3, "retry count on transient failures, fixed 2s delay between attempts")
	cmd.MarkFlagRequired("registry")
	return registry, retries
}

// addStorageModeFlag adds the --storage-mode flag shared by pull and
// sync, applied to every layer of each pulled image, including layers
// that were already present locally (spec.md §4.7).
func addStorageModeFlag(cmd *cobra.Command) *string {
	return cmd.Flags().String("storage-mode", "PreferUncompressed", "storage-mode policy applied to every layer of each pulled image: AlwaysUncompressed, AlwaysCompressed, PreferUncompressed, or PreferCompressed")
}

func parseStorageModeFlag(text string) (engine.StorageMode, error) {
	return regconfig.Config{StorageMode: text}.ParseStorageMode()
}

func newPushCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push <tag>",
		Short: "Push a tag's layer closure to a remote registry",
		Args:  cobra.ExactArgs(1),
	}
	registryURL, retries := addRegistryFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		tag, err := reference.ParseImageTag(args[0])
		if err != nil {
			return fmt.Errorf("parsing tag: %w", err)
		}
		username, password, err := registryCredentials(cmd)
		if err != nil {
			return err
		}

		config, store, err := openStore(*dataDir)
		if err != nil {
			return err
		}

		p := printer.NewZapPrinter(log)
		layerManager := engine.NewLayerManager(config, store)
		client := registryclient.New(config, p, *registryURL, username, password, *retries, engine.StoragePreferUncompressed)

		return store.View(func(s *state.Session) error {
			return client.Push(s, layerManager, tag)
		})
	}
	return cmd
}

func newPullCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var newTagText string

	cmd := &cobra.Command{
		Use:   "pull <tag>",
		Short: "Pull a tag's layer closure from a remote registry",
		Args:  cobra.ExactArgs(1),
	}
	registryURL, retries := addRegistryFlags(cmd)
	storageModeText := addStorageModeFlag(cmd)
	cmd.Flags().StringVar(&newTagText, "as", "", "bind the pulled image under a different local tag")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		tag, err := reference.ParseImageTag(args[0])
		if err != nil {
			return fmt.Errorf("parsing tag: %w", err)
		}
		username, password, err := registryCredentials(cmd)
		if err != nil {
			return err
		}
		storageMode, err := parseStorageModeFlag(*storageModeText)
		if err != nil {
			return fmt.Errorf("parsing --storage-mode: %w", err)
		}

		var newTag *reference.ImageTag
		if newTagText != "" {
			parsed, err := reference.ParseImageTag(newTagText)
			if err != nil {
				return fmt.Errorf("parsing --as tag: %w", err)
			}
			newTag = &parsed
		}

		config, store, err := openStore(*dataDir)
		if err != nil {
			return err
		}

		p := printer.NewZapPrinter(log)
		layerManager := engine.NewLayerManager(config, store)
		client := registryclient.New(config, p, *registryURL, username, password, *retries, storageMode)

		return withWriteLock(config, store, func(ws *state.WriteSession) error {
			return client.Pull(ws, layerManager, tag, newTag)
		})
	}
	return cmd
}

func newSyncCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var destRegistry string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull every image the registry has, binding each under a local destination registry name",
		Args:  cobra.NoArgs,
	}
	registryURL, retries := addRegistryFlags(cmd)
	storageModeText := addStorageModeFlag(cmd)
	cmd.Flags().StringVar(&destRegistry, "dest-registry", "", "registry name synced tags are bound under locally")
	cmd.MarkFlagRequired("dest-registry")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		username, password, err := registryCredentials(cmd)
		if err != nil {
			return err
		}
		storageMode, err := parseStorageModeFlag(*storageModeText)
		if err != nil {
			return fmt.Errorf("parsing --storage-mode: %w", err)
		}

		config, store, err := openStore(*dataDir)
		if err != nil {
			return err
		}

		p := printer.NewZapPrinter(log)
		layerManager := engine.NewLayerManager(config, store)
		client := registryclient.New(config, p, *registryURL, username, password, *retries, storageMode)

		var result registryclient.DownloadResult
		err = withWriteLock(config, store, func(ws *state.WriteSession) error {
			var syncErr error
			result, syncErr = client.Sync(ws, layerManager, destRegistry, nil, nil)
			return syncErr
		})
		if err != nil {
			return fmt.Errorf("syncing: %w", err)
		}

		log.Infow("sync complete", "pulled_images", len(result.PulledImages))
		return nil
	}
	return cmd
}

func newServeCommand(log *zap.SugaredLogger, dataDir *string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := regconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading registry config: %w", err)
			}

			engineConfig := cfg.EngineConfig()
			store, err := state.Open(engineConfig.StatePath())
			if err != nil {
				return fmt.Errorf("opening state: %w", err)
			}

			if err := seedInitialUsers(store, cfg.InitialUsers); err != nil {
				return err
			}

			if cfg.CanPullThroughUpstream() {
				if _, err := cfg.Upstream.ParseSyncSchedule(); err != nil {
					return fmt.Errorf("parsing upstream sync_interval: %w", err)
				}
				log.Infow("pull-through enabled", "upstream", cfg.Upstream.Hostname)
			}

			server := registryserver.New(engineConfig, store, log, cfg.Address, cfg.PendingUploadExpirationDuration(), cfg.Upstream)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			log.Infow("registry listening", "address", cfg.Address, "data_path", cfg.DataPath)

			select {
			case <-ctx.Done():
				log.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/labar/registry.toml", "path to the registry TOML config")
	return cmd
}

func seedInitialUsers(store *state.Store, users []regconfig.InitialUser) error {
	if len(users) == 0 {
		return nil
	}
	return store.Update(func(ws *state.WriteSession) error {
		for _, u := range users {
			if _, exists := ws.GetUser(u.Username); exists {
				continue
			}
			ws.PutUser(state.Credential{Username: u.Username, PasswordHash: u.PasswordHash, AccessRights: u.AccessRights})
		}
		return nil
	})
}
