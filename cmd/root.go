package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vendortools/miscwriter/common"
	"github.com/vendortools/miscwriter/miscwriter"
)

var cfgFile string
var log *logrus.Entry
var logger = logrus.New()

// flagActions maps the no-argument action flags onto writer actions.
// Valued action flags (wrist orientation, timeformat, timeoffset, max
// RAM size) are handled individually because they validate a payload.
var flagActions = map[string]miscwriter.Action{
	"set-dark-theme":          miscwriter.SetDarkThemeFlag,
	"clear-dark-theme":        miscwriter.ClearDarkThemeFlag,
	"set-sota":                miscwriter.SetSotaFlag,
	"clear-sota":              miscwriter.ClearSotaFlag,
	"set-enable-pkvm":         miscwriter.SetEnablePkvmFlag,
	"set-disable-pkvm":        miscwriter.SetDisablePkvmFlag,
	"clear-wrist-orientation": miscwriter.ClearWristOrientationFlag,
}

// configFlags are root command flags that never select an action.
// help is registered by cobra itself.
var configFlags = map[string]bool{
	"config":    true,
	"misc-path": true,
	"log-level": true,
	"log-file":  true,
	"help":      true,
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

// newRootCmd builds the root command with a fresh flag set. Tests build
// their own instances so flag state never leaks between runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "miscwriter",
		Short: "Miscwriter writes vendor flags into the misc partition",
		Long: `Miscwriter writes one vendor flag per invocation into the vendor space
region of the misc partition. Supported actions, one per run:

  --set-dark-theme                 Write the dark theme flag
  --clear-dark-theme               Clear the dark theme flag
  --set-sota                       Write the silent OTA flag
  --clear-sota                     Clear the silent OTA flag
  --set-enable-pkvm                Write the enable pKVM flag
  --set-disable-pkvm               Write the disable pKVM flag
  --set-wrist-orientation <0-3>    Write the wrist orientation flag
  --clear-wrist-orientation        Clear the wrist orientation flag
  --set-timeformat <0-1>           Write the time format value (1=24hr, 0=12hr)
  --set-timeoffset <seconds>       Write the time offset value (tz_time - utc_time)
  --set-max-ram-size <2048-65536>  Write the sw limit max ram size in MB
  --set-max-ram-size <-1>          Clear the sw limit max ram size

The default offset is used for each action unless
--override-vendor-space-offset is specified.`,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is current directory, miscwriter.yaml)")
	cmd.PersistentFlags().String("misc-path", miscwriter.DefaultMiscPath, "path to the misc partition block device or image")
	cmd.PersistentFlags().Int("log-level", int(logrus.InfoLevel), "log level (logrus 1-7)")
	cmd.PersistentFlags().String("log-file", "", "log file to write to, stderr if empty")

	registerActionFlags(cmd.Flags())

	viper.BindPFlag("misc-path", cmd.PersistentFlags().Lookup("misc-path"))
	viper.BindPFlag("log-level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-file", cmd.PersistentFlags().Lookup("log-file"))

	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	opts := &common.Options{
		MiscPath: viper.GetString("misc-path"),
		LogLevel: viper.GetUint64("log-level"),
		LogFile:  viper.GetString("log-file"),
	}

	if opts.LogFile != "" {
		// instead write parsable logs for logstash/splunk/etc
		output, err := os.OpenFile(opts.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			cmd.SilenceUsage = true
			log.WithFields(logrus.Fields{
				"error": err,
				"path":  opts.LogFile,
			}).Error("couldn't open log file")
			return err
		}
		defer output.Close()
		logger.SetOutput(output)
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	logger.SetLevel(logrus.Level(opts.LogLevel))

	log.Debugf("Options: %#v\n", opts)

	req, err := resolveRequest(cmd.Flags())
	if err != nil {
		log.Error(err)
		return err
	}

	// Arguments are good; any failure past this point is a write
	// failure, not a usage problem.
	cmd.SilenceUsage = true

	writer := miscwriter.NewWithPayload(req.action, req.payload)
	if opts.MiscPath != "" {
		writer.SetMiscPath(opts.MiscPath)
	}
	if err := writer.PerformAction(req.overrideOffset); err != nil {
		log.WithFields(logrus.Fields{
			"error": err,
		}).Error("misc writer action failed")
		return err
	}
	return nil
}

// request pairs the single action selected on the command line with its
// payload and the optional vendor space offset override. The action slot
// is set at most once; a second action flag is a usage error.
type request struct {
	action         miscwriter.Action
	payload        string
	hasAction      bool
	overrideOffset *uint64
}

func (r *request) setAction(action miscwriter.Action, payload string) error {
	if r.hasAction {
		return errors.New("misc writer action has already been set")
	}
	r.action = action
	r.payload = payload
	r.hasAction = true
	return nil
}

// boolValue and intValue back the action flags. pflag's Visit reports a
// flag once no matter how often it appeared on the command line, so the
// values count their own assignments and dispatch rejects an action
// flag that was set more than once.
type boolValue struct {
	value bool
	count int
}

func (b *boolValue) String() string { return strconv.FormatBool(b.value) }
func (b *boolValue) Type() string   { return "bool" }

func (b *boolValue) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.value = v
	b.count++
	return nil
}

type intValue struct {
	value int
	count int
}

func (i *intValue) String() string { return strconv.Itoa(i.value) }
func (i *intValue) Type() string   { return "int" }

func (i *intValue) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	i.value = v
	i.count++
	return nil
}

// flagOccurrences reports how many times an action flag was assigned.
// Non-action flags report zero.
func flagOccurrences(flags *pflag.FlagSet, name string) int {
	f := flags.Lookup(name)
	if f == nil {
		return 0
	}
	switch v := f.Value.(type) {
	case *boolValue:
		return v.count
	case *intValue:
		return v.count
	}
	return 0
}

// intFlag returns the parsed value of a valued action flag.
func intFlag(flags *pflag.FlagSet, name string) int {
	v, ok := flags.Lookup(name).Value.(*intValue)
	if !ok {
		panic(fmt.Sprintf("flag %s is not a valued action flag", name))
	}
	return v.value
}

// resolveRequest walks the flags that were set on the command line and
// reduces them to exactly one validated action request. Validation
// happens here, before any writer is constructed.
func resolveRequest(flags *pflag.FlagSet) (*request, error) {
	req := &request{}
	var visitErr error
	flags.Visit(func(f *pflag.Flag) {
		if visitErr != nil {
			return
		}
		visitErr = dispatchFlag(req, flags, f.Name)
	})
	if visitErr != nil {
		return nil, visitErr
	}
	if !req.hasAction {
		return nil, errors.New("an action must be specified for misc writer")
	}
	return req, nil
}

func dispatchFlag(req *request, flags *pflag.FlagSet, name string) error {
	// The same action flag given twice is still a second action.
	if flagOccurrences(flags, name) > 1 {
		return errors.New("misc writer action has already been set")
	}
	switch name {
	case "override-vendor-space-offset":
		offset, err := flags.GetUint64(name)
		if err != nil {
			return err
		}
		log.Warnf("Overriding the vendor space offset in misc partition to %d", offset)
		req.overrideOffset = &offset
		return nil
	case "set-wrist-orientation":
		orientation := intFlag(flags, name)
		if orientation < 0 || orientation > 3 {
			return errors.Errorf("orientation out of range: %d", orientation)
		}
		return req.setAction(miscwriter.SetWristOrientationFlag, strconv.Itoa(orientation))
	case "set-timeformat":
		timeformat := intFlag(flags, name)
		if timeformat < 0 || timeformat > 1 {
			return errors.Errorf("time format out of range: %d", timeformat)
		}
		return req.setAction(miscwriter.WriteTimeFormat, strconv.Itoa(timeformat))
	case "set-timeoffset":
		timeoffset := intFlag(flags, name)
		if timeoffset < miscwriter.MinTimeOffset || timeoffset > miscwriter.MaxTimeOffset {
			return errors.Errorf("time offset out of range: %d", timeoffset)
		}
		return req.setAction(miscwriter.WriteTimeOffset, strconv.Itoa(timeoffset))
	case "set-max-ram-size":
		size := intFlag(flags, name)
		if size == miscwriter.RamSizeDefault {
			return req.setAction(miscwriter.ClearMaxRamSize, "")
		}
		if size < miscwriter.RamSizeMin || size > miscwriter.RamSizeMax {
			return errors.Errorf("max ram size out of range: %d", size)
		}
		return req.setAction(miscwriter.SetMaxRamSize, strconv.Itoa(size))
	}
	if action, ok := flagActions[name]; ok {
		return req.setAction(action, "")
	}
	if configFlags[name] {
		return nil
	}
	// Every registered flag is either a config flag or an action flag.
	panic(fmt.Sprintf("unreachable path, flag name: %s", name))
}

// registerActionFlags declares the action and override flags. Split out
// so tests can drive resolveRequest over the same flag set.
func registerActionFlags(flags *pflag.FlagSet) {
	flags.Uint64("override-vendor-space-offset", 0, "write at this vendor space offset instead of the action's default")
	addActionFlag(flags, "set-dark-theme", "write the dark theme flag")
	addActionFlag(flags, "clear-dark-theme", "clear the dark theme flag")
	addActionFlag(flags, "set-sota", "write the silent OTA flag")
	addActionFlag(flags, "clear-sota", "clear the silent OTA flag")
	addActionFlag(flags, "set-enable-pkvm", "write the enable pKVM flag")
	addActionFlag(flags, "set-disable-pkvm", "write the disable pKVM flag")
	addValueFlag(flags, "set-wrist-orientation", 0, "write the wrist orientation flag (0-3)")
	addActionFlag(flags, "clear-wrist-orientation", "clear the wrist orientation flag")
	addValueFlag(flags, "set-timeformat", 0, "write the time format value (1=24hr, 0=12hr)")
	addValueFlag(flags, "set-timeoffset", 0, "write the time offset value in seconds (tz_time - utc_time)")
	addValueFlag(flags, "set-max-ram-size", miscwriter.RamSizeDefault, "write the max ram size limit in MB (2048-65536, -1 clears)")
}

func addActionFlag(flags *pflag.FlagSet, name, usage string) {
	f := flags.VarPF(&boolValue{}, name, "", usage)
	f.NoOptDefVal = "true"
}

func addValueFlag(flags *pflag.FlagSet, name string, def int, usage string) {
	flags.Var(&intValue{value: def}, name, usage)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)
	cobra.OnInitialize(initConfig)

	viper.SetDefault("misc-path", miscwriter.DefaultMiscPath)
	viper.SetDefault("log-level", int(logrus.InfoLevel))
	viper.SetDefault("log-file", "")

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})

	log = logger.WithFields(logrus.Fields{
		"app": "miscwriter",
	})
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Look next to the binary and in the vendor config directory.
		viper.AddConfigPath(".")
		viper.AddConfigPath("/vendor/etc")
		// Viper auto appends extension to this config name
		// For example, miscwriter.yml
		viper.SetConfigName("miscwriter")
	}

	// Replace `-` in config options with `_` for ENV keys
	replacer := strings.NewReplacer("-", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv() // read in environment variables that match
	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
