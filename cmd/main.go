package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/config"
	"github.com/xeptore/tunestream/constant"
	"github.com/xeptore/tunestream/errutil"
	"github.com/xeptore/tunestream/log"
)

const (
	flagConfigFilePath = "config"
	flagQuality        = "quality"
	flagMetered        = "metered"
	flagBypass         = "bypass"
	flagPosition       = "position"
	flagLength         = "length"
	flagOut            = "out"
	flagPages          = "pages"
	flagWait           = "wait"
	flagTitle          = "title"
	flagStart          = "start"
)

func main() {
	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	if err := godotenv.Load(); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Msg(".env file was not found")
		} else {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	configFlag := &cli.StringFlag{ //nolint:exhaustruct
		Name:    flagConfigFilePath,
		Aliases: []string{"c"},
		Usage:   "Config file path",
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "tunestream",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Resolve, cache and download remote audio streams",
		Flags:    []cli.Flag{configFlag},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:      "resolve",
				Usage:     "Resolve a track or file and optionally read a byte range of it",
				ArgsUsage: "<track id | path>",
				Action:    resolve,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{Name: flagQuality, Aliases: []string{"q"}, Usage: "auto, high or low"},
					//nolint:exhaustruct
					&cli.BoolFlag{Name: flagMetered, Usage: "Resolve as if on a metered network"},
					//nolint:exhaustruct
					&cli.BoolFlag{Name: flagBypass, Usage: "Skip cached stream URLs for this resolution"},
					//nolint:exhaustruct
					&cli.Int64Flag{Name: flagPosition, Usage: "Range start offset"},
					//nolint:exhaustruct
					&cli.Int64Flag{Name: flagLength, Value: -1, Usage: "Range length, negative reads to the end"},
					//nolint:exhaustruct
					&cli.StringFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "Write the range to this file"},
				},
			},
			//nolint:exhaustruct
			{
				Name:      "download",
				Aliases:   []string{"d"},
				Usage:     "Download tracks for offline playback",
				ArgsUsage: "<track id>...",
				Action:    download,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.BoolFlag{Name: flagWait, Value: true, Usage: "Wait for the downloads to finish"},
				},
			},
			//nolint:exhaustruct
			{
				Name:      "remove",
				Usage:     "Cancel and remove downloaded tracks",
				ArgsUsage: "<track id>...",
				Action:    remove,
			},
			//nolint:exhaustruct
			{
				Name:      "radio",
				Usage:     "Print the radio queue seeded by a track",
				ArgsUsage: "<track id>",
				Action:    radio,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.IntFlag{Name: flagPages, Value: 1, Usage: "Number of pages to load"},
				},
			},
			//nolint:exhaustruct
			{
				Name:      "queue",
				Usage:     "Print a static queue built from tracks and local files",
				ArgsUsage: "<track id | path>...",
				Action:    localQueue,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{Name: flagTitle, Value: "Queue", Usage: "Queue title"},
					//nolint:exhaustruct
					&cli.IntFlag{Name: flagStart, Usage: "Index of the item playback starts at"},
				},
			},
			//nolint:exhaustruct
			{
				Name:   "prune",
				Usage:  "Delete expired entries from the format cache",
				Action: prune,
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			if b, yamlErr := errutil.FlawToYAML(flawErr); nil == yamlErr {
				_, _ = os.Stderr.Write(b)
			}
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

func loadConfig(cliCtx *cli.Context, logger zerolog.Logger) (*config.Config, error) {
	cfgEnv := os.Getenv("CONFIG")
	cfgFilePath := cliCtx.String(flagConfigFilePath)
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return nil, errors.New("config file path and config environment variable are both set. specify only one")
	case cfgFilePath == "" && cfgEnv == "":
		return nil, errors.New("config file path and config environment variable are both empty. specify one")
	case cfgFilePath != "":
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config from file")
		cfg, err := config.FromFile(cfgFilePath)
		if nil != err {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
		return cfg, nil
	default:
		logger.Debug().Msg("Loading config from environment variable")
		cfg, err := config.FromString(cfgEnv)
		if nil != err {
			return nil, fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		return cfg, nil
	}
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer) {
	if cfg.Log.File == "" {
		if cfg.Log.Format == "json" {
			return log.NewPacked(os.Stderr), io.NopCloser(nil)
		}
		return log.NewPretty(os.Stderr), io.NopCloser(nil)
	}
	return log.NewRotating(os.Stderr, log.RotatingFile{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: 0,
	})
}

func signalContext(cliCtx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
}
