package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/vaultsync/internal/utils"
	"github.com/openmined/vaultsync/internal/version"
	"github.com/openmined/vaultsync/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	home, _             = os.UserHomeDir()
	defaultSettingsPath = filepath.Join(home, ".vaultsync", "settings.yaml")
	defaultMirrorDir    = filepath.Join(home, "Vault")
	logFileName         = "vaultsync.log"
)

var (
	consoleLevel   *slog.LevelVar
	consoleHandler slog.Handler

	// set once file logging is up; main closes it on exit
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "vaultsync",
	Short:         "Mirror a vault repository onto the local disk",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return setupFileLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", defaultSettingsPath, "settings file")
	rootCmd.PersistentFlags().StringP("server", "s", "", "vault server url")
	rootCmd.PersistentFlags().StringP("repository", "r", "", "vault repository name")
	rootCmd.PersistentFlags().StringP("mirror", "m", defaultMirrorDir, "local mirror directory")
	rootCmd.PersistentFlags().String("state", "", "state directory (default <mirror>/.vaultsync)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
}

func main() {
	level := new(slog.LevelVar)
	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(stdoutHandler))
	consoleLevel = level
	consoleHandler = stdoutHandler

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// setupFileLogging adds a rotating debug log in the state directory next to
// the console output.
func setupFileLogging() error {
	if viper.GetBool("verbose") && consoleLevel != nil {
		consoleLevel.Set(slog.LevelDebug)
	}
	if consoleHandler == nil {
		// running under tests
		return nil
	}

	ws, err := workspace.NewWorkspace(viper.GetString("mirror_dir"), viper.GetString("state_dir"))
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(ws.LogsDir); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(ws.LogsDir, logFileName),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	interceptor := utils.NewLogInterceptor(rotator)
	fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps each line
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	logCloser = interceptor
	return nil
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		path, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".vaultsync"))
		viper.AddConfigPath(filepath.Join(home, ".config", "vaultsync"))
		viper.SetConfigName("settings")
		viper.SetConfigType("yaml")
	}

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("settings read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("server_url", cmd.Flag("server"))
	viper.BindPFlag("repository", cmd.Flag("repository"))
	viper.BindPFlag("mirror_dir", cmd.Flag("mirror"))
	viper.BindPFlag("state_dir", cmd.Flag("state"))
	viper.BindPFlag("verbose", cmd.Flag("verbose"))

	viper.SetEnvPrefix("VAULTSYNC")
	viper.AutomaticEnv()
	return nil
}
