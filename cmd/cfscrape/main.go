package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"cfscrape"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const workerStaggerDelay = 50 * time.Millisecond

var (
	cfgFile   string
	engineLog zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cfscrape",
	Short: "Fetch pages behind edge proxy challenges",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		engineLog = setupLogging()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Fetch one URL and write the body to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		pm, err := NewProxyManager(viper.GetString("proxies"))
		if err != nil {
			return err
		}
		proxyURL, idx := pm.Random()
		engineLog.Info().Str("proxy", pm.DisplayAt(idx)).Str("url", args[0]).Msg("fetching")

		scraper, err := buildScraper(proxyURL, moduleLogger())
		if err != nil {
			return err
		}
		resp, err := scraper.Get(ctx, args[0])
		if err != nil {
			return err
		}
		engineLog.Info().Int("status", resp.StatusCode).Int("hops", resp.Hops).Msg("done")
		_, err = os.Stdout.Write(resp.Body)
		return err
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url...]",
	Short: "Fetch many URLs concurrently and report status per URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := args
		if input := viper.GetString("input"); input != "" {
			lines, err := readLines(input)
			if err != nil {
				return err
			}
			targets = append(targets, lines...)
		}
		if len(targets) == 0 {
			return fmt.Errorf("no URLs given: pass them as arguments or with --input")
		}
		workers := viper.GetInt("workers")
		if workers <= 0 {
			return fmt.Errorf("workers must be a positive integer")
		}
		workers = min(workers, len(targets))

		pm, err := NewProxyManager(viper.GetString("proxies"))
		if err != nil {
			return err
		}
		engineLog.Info().Msgf("Loaded %d proxies", pm.Count())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if code := runFetch(ctx, pm, targets, workers); code != 0 {
			os.Exit(code)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is ./cfscrape.yaml)")
	pf.String("proxies", "", "proxy list file, one proxy per line")
	pf.String("log-file", "cfscrape.log", "rotating log file")
	pf.BoolP("verbose", "v", false, "log every hop")
	pf.Int("budget", cfscrape.DefaultChallengeBudget, "challenges solved per request before giving up")
	pf.Duration("timeout-max", cfscrape.DefaultChallengeTimeoutMax, "longest challenge delay honoured")
	pf.Bool("decode-emails", false, "de-obfuscate protected email addresses")
	pf.Bool("fast", false, "use the fasthttp transport (no proxy support)")

	viper.BindPFlag("proxies", pf.Lookup("proxies"))
	viper.BindPFlag("log_file", pf.Lookup("log-file"))
	viper.BindPFlag("verbose", pf.Lookup("verbose"))
	viper.BindPFlag("policy.budget", pf.Lookup("budget"))
	viper.BindPFlag("policy.timeout_max", pf.Lookup("timeout-max"))
	viper.BindPFlag("policy.decode_emails", pf.Lookup("decode-emails"))
	viper.BindPFlag("fast", pf.Lookup("fast"))

	fetchCmd.Flags().StringP("input", "i", "", "file with one URL per line")
	fetchCmd.Flags().IntP("workers", "w", 4, "concurrent workers")
	fetchCmd.Flags().Int("attempts", 3, "attempts per URL, rotating proxy between them")
	viper.BindPFlag("input", fetchCmd.Flags().Lookup("input"))
	viper.BindPFlag("workers", fetchCmd.Flags().Lookup("workers"))
	viper.BindPFlag("attempts", fetchCmd.Flags().Lookup("attempts"))

	rootCmd.AddCommand(getCmd, fetchCmd)
}

func initConfig() {
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cfscrape")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("CFSCRAPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// setupLogging writes human readable lines to stderr and JSON lines to a
// rotating file. Stdout stays free for response bodies.
func setupLogging() zerolog.Logger {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}

	file := &lumberjack.Logger{
		Filename:   viper.GetString("log_file"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}

	return zerolog.New(zerolog.MultiLevelWriter(console, file)).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func moduleLogger() cfscrape.Logger {
	return cfscrape.NewZerologLogger(engineLog.With().Str("module", "cfscrape").Logger(), zerolog.DebugLevel)
}

func policyFromConfig() cfscrape.Policy {
	p := cfscrape.DefaultPolicy()
	p.ChallengeBudget = viper.GetInt("policy.budget")
	p.ChallengeTimeoutMax = viper.GetDuration("policy.timeout_max")
	p.DecodeEmails = viper.GetBool("policy.decode_emails")
	return p
}

func captchaHandler() cfscrape.CaptchaHandler {
	var handlers []cfscrape.CaptchaHandler
	if key := GetCapSolverAPIKey(); key != "" {
		handlers = append(handlers, cfscrape.NewCapSolver(key).Handler())
	}
	if key := GetTwoCaptchaAPIKey(); key != "" {
		handlers = append(handlers, cfscrape.NewTwoCaptcha(key).Handler())
	}
	if len(handlers) == 0 {
		return nil
	}
	return cfscrape.RotateCaptchaHandlers(handlers...)
}

// buildScraper wires one scraper per proxy. Each gets its own cookie jar so
// clearance cookies never leak across exit addresses.
func buildScraper(proxyURL string, logger cfscrape.Logger) (*cfscrape.Scraper, error) {
	cfg := cfscrape.DefaultConfig()
	cfg.Policy = policyFromConfig()
	cfg.Logger = logger
	cfg.OnCaptcha = captchaHandler()
	cfg.Hyper = cfscrape.NewHyperSession(GetHyperAPIKey())

	store := cfscrape.NewJarStore()
	cfg.CookieStore = store
	if viper.GetBool("fast") {
		if proxyURL != "" {
			logger.Log("fast transport ignores proxy")
		}
		cfg.Requester = cfscrape.NewFastRequester(store, time.Duration(cfscrape.ClientTimeoutSeconds)*time.Second)
	} else {
		requester, err := cfscrape.NewTLSRequester(cfg.Profile, proxyURL, store)
		if err != nil {
			return nil, err
		}
		cfg.Requester = requester
	}
	return cfscrape.New(cfg)
}

func runFetch(ctx context.Context, pm *ProxyManager, targets []string, workers int) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler, err := NewScheduler(workers, pm, buildScraper, workerStaggerDelay, viper.GetInt("attempts"), moduleLogger())
	if err != nil {
		engineLog.Error().Err(err).Msg("Failed to create scheduler")
		return 1
	}
	engineLog.Info().Msgf("Starting %d concurrent workers for %d URLs (stagger: %v)...", workers, len(targets), workerStaggerDelay)
	scheduler.Start(ctx)

	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for _, t := range targets {
			if !scheduler.Submit(ctx, t) {
				return
			}
		}
	}()

	var okCount, failCount int
	var fatalErr error
collect:
	for done := 0; done < len(targets); done++ {
		var result FetchResult
		select {
		case result = <-scheduler.Results():
		case <-ctx.Done():
			engineLog.Warn().Msg("Interrupted")
			break collect
		}
		if result.Fatal {
			fatalErr = result.Error
			engineLog.Error().Err(result.Error).Msg("FATAL ERROR")
			break
		}
		if result.Error != nil {
			failCount++
			engineLog.Warn().Str("url", result.URL).Str("proxy", result.Proxy).Int("attempts", result.Attempts).Err(result.Error).Msg("FAILED")
			continue
		}
		okCount++
		fmt.Printf("%d\t%d\t%s\n", result.Response.StatusCode, len(result.Response.Body), result.URL)
		engineLog.Info().Str("url", result.URL).Int("status", result.Response.StatusCode).Int("hops", result.Response.Hops).Msgf("[%d/%d] OK", okCount, len(targets))
	}

	cancel()
	<-submitted
	scheduler.Close()

	if fatalErr != nil {
		engineLog.Error().Msgf("=== ABORTED: %d fetched, %d failed (fatal error: %v) ===", okCount, failCount, fatalErr)
		return 1
	}
	engineLog.Info().Msgf("=== Complete: %d fetched, %d failed ===", okCount, failCount)
	if failCount > 0 {
		return 2
	}
	return 0
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
