package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hierynomus/taipan"
	home "github.com/mitchellh/go-homedir"
	"github.com/rb3ckers/trafficfunnel/internal/config"
	"github.com/rb3ckers/trafficfunnel/internal/proxy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version string
	Commit  string
	Date    string
)

var EnvPrefix = "TRAFFICFUNNEL"

func RootCommand(cfg *config.Config) *cobra.Command {
	var verbosity int

	cmd := &cobra.Command{
		Use:   "trafficfunnel",
		Short: "Runs Traffic Funnel",
		Long: `
HTTP proxy that:
* collapses identical concurrent requests into a single upstream call
* returns that call's response to every coalesced client
* passes all other requests straight through to the upstream

In-flight requests are listed and canceled via GET/DELETE on '/inflight'.
`,
		Version: fmt.Sprintf("%s (Built on: %s, Commit: %s)", Version, Date, Commit),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch verbosity {
			case 0:
				// Nothing to do
			case 1:
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			case 2: //nolint:gomnd
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			default:
				zerolog.SetGlobalLevel(zerolog.TraceLevel)
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			PrintUsage(cfg)
			if err := RunFunnel(cfg); err != nil {
				return err
			}

			return nil
		},
	}

	cmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Print more verbose logging")

	cmd.Flags().StringP("listen", "l", ":8080", "Address to listen on and funnel traffic from")
	cmd.Flags().StringP("upstream", "u", "http://localhost:8888", "Upstream whose responses are funneled back to the clients")
	cmd.Flags().String("inflight", "inflight", "Path on which in-flight requests can be listed/canceled via GET and DELETE")
	cmd.Flags().String("inflight-address", "", "Address on which the in-flight endpoint is made available. Leave empty to expose it on the address that is being funneled")
	cmd.Flags().String("username", "", "Username to protect the 'inflight' endpoint with.")
	cmd.Flags().String("password", "", "Password to protect the 'inflight' endpoint with.")
	cmd.Flags().String("passwordFile", "", "Provide a file that contains username/password to protect the 'inflight' endpoint. Contains 1 username/password combination separated by ':'.")
	cmd.Flags().Int("retry-after", 1, "After 5 successive failures the upstream is temporarily not called, it will be retried after this many minutes.")
	cmd.Flags().Int("max-connections", 512, "Maximum number of concurrent client connections.") //nolint:gomnd
	cmd.Flags().StringSlice("coalesce-method", []string{"GET", "HEAD"}, "HTTP methods that are coalesced, all others pass through")

	return cmd
}

func RunFunnel(cfg *config.Config) error {
	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	p := proxy.NewProxy(cfg, log.Logger)

	go func() {
		sig := <-sigs
		log.Info().Str("signal", sig.String()).Msg("Received signal, exiting")

		if err := p.Stop(); err != nil {
			panic(err)
		}

		done <- true
	}()

	if err := p.Start(context.Background()); err != nil {
		return err
	}

	<-done

	return nil
}

func Execute(ctx context.Context) {
	cfg := &config.Config{}
	cmd := RootCommand(cfg)
	cmd.AddCommand(ProbeCommand(cfg))

	homeFolder, err := home.Expand("~/.trafficfunnel")
	if err != nil {
		fmt.Printf("%s", err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.ErrorLevel)

	taipanConfig := &taipan.Config{
		DefaultConfigName:  "trafficfunnel",
		ConfigurationPaths: []string{".", homeFolder},
		EnvironmentPrefix:  EnvPrefix,
		AddConfigFlag:      true,
		ConfigObject:       cfg,
		PrefixCommands:     true,
	}

	t := taipan.New(taipanConfig)
	t.Inject(cmd)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Printf("🎃 %s\n", err)
		os.Exit(1)
	}
}

func PrintUsage(cfg *config.Config) {
	var inflightText string
	if cfg.InflightListenAddress != "" {
		inflightText = fmt.Sprintf("http://%s/%s", cfg.InflightListenAddress, cfg.InflightEndpoint)
	} else {
		inflightText = fmt.Sprintf("http://%s/%s", cfg.ListenAddress, cfg.InflightEndpoint)
	}

	fmt.Printf("List/cancel in-flight requests via GET/DELETE at %s:\n", inflightText)
	fmt.Printf("List      : curl %s\n", inflightText)
	fmt.Printf("Cancel one: curl -X DELETE %s?key=<fingerprint>\n", inflightText)
	fmt.Printf("Cancel all: curl -X DELETE %s\n", inflightText)
	fmt.Println()
}
