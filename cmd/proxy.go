package cmd

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hxengine/internal/forwardproxy"
	"github.com/xkilldash9x/hxengine/internal/observability"
)

type proxyOptions struct {
	listen string
	user   string
	realm  string
}

func newProxyCmd() *cobra.Command {
	opts := &proxyOptions{}
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Runs a forward proxy for CONNECT tunnels and absolute-form requests.",
		Long: `Runs a small forward proxy, useful as the far end of the fetch command's
--proxy flag. With --user the proxy demands Basic proxy authentication.
Upstream connections use the configured TLS settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("forward_proxy")

			pc := forwardproxy.Config{Realm: opts.realm}
			if opts.user != "" {
				user, pass, ok := strings.Cut(opts.user, ":")
				if !ok || user == "" {
					return fmt.Errorf("--user must be user:password")
				}
				pc.Username, pc.Password = user, pass
			}
			dc, err := newDialerConfig(cfg.TLS(), cfg.Client().LocalAddress)
			if err != nil {
				return err
			}
			dc.Timeout = cfg.Client().ConnectTimeout
			pc.DialerConfig = dc

			l, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", opts.listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", l.Addr())

			p := forwardproxy.New(pc, logger)
			err = p.Serve(cmd.Context(), l)
			stats := p.Stats()
			logger.Info("Forward proxy stopped",
				zap.Int64("tunnels", stats.Tunnels),
				zap.Int64("requests", stats.Requests),
				zap.Int64("auth_failures", stats.AuthFailures))
			return err
		},
	}

	proxyCmd.Flags().StringVarP(&opts.listen, "listen", "l", "127.0.0.1:3128", "address to listen on")
	proxyCmd.Flags().StringVarP(&opts.user, "user", "u", "", "require proxy credentials as user:password")
	proxyCmd.Flags().StringVar(&opts.realm, "realm", forwardproxy.DefaultRealm, "realm announced in Proxy-Authenticate")
	return proxyCmd
}
