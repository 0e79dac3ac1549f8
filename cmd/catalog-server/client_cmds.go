package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/catalogcast/catalog-server/internal/catalog"
	"github.com/catalogcast/catalog-server/internal/client"
	"github.com/catalogcast/catalog-server/internal/notify"
)

// addClientFlags registers the flags shared by commands that talk to a
// running server.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("server", "http://localhost:8080", "server base URL")
	cmd.PersistentFlags().String("format", "text", "output format (text, json)")
}

func newClient(cmd *cobra.Command) *client.Client {
	cfg := client.DefaultConfig()
	cfg.BaseURL, _ = cmd.Flags().GetString("server")
	if cmd.Flags().Lookup("origin") != nil {
		cfg.Origin, _ = cmd.Flags().GetString("origin")
	}
	return client.New(cfg)
}

func outputJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func productsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "products",
		Short: "Manage products on a running server",
	}
	addClientFlags(cmd)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all products",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				products, err := newClient(cmd).ListProducts(cmd.Context())
				if err != nil {
					return err
				}
				if outputJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), products)
				}
				return printProducts(cmd.OutOrStdout(), products)
			},
		},
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one product",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := newClient(cmd).GetProduct(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if outputJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), p)
				}
				return printProducts(cmd.OutOrStdout(), []catalog.Product{*p})
			},
		},
		createProductCmd(),
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a product",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := newClient(cmd).DeleteProduct(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func createProductCmd() *cobra.Command {
	var in catalog.Input
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newClient(cmd).CreateProduct(cmd.Context(), in)
			if err != nil {
				return err
			}
			if outputJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "product name")
	cmd.Flags().Float64Var(&in.Price, "price", 0, "unit price")
	cmd.Flags().Int64Var(&in.Stock, "stock", 0, "units in stock")
	cmd.Flags().StringVar(&in.Image, "image", "", "image URL or /images/ path")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func printProducts(w io.Writer, products []catalog.Product) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPRICE\tSTOCK\tUPDATED")
	for _, p := range products {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%d\t%s\n",
			p.ID, p.Name, p.Price, p.Stock, p.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a product image and print its URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			contentType := mime.TypeByExtension(filepath.Ext(args[0]))
			url, err := newClient(cmd).UploadImage(cmd.Context(), args[0], contentType, f)
			if err != nil {
				return err
			}
			if outputJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]string{"imageUrl": url})
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live catalog changes from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			out := cmd.OutOrStdout()
			asJSON := outputJSON(cmd)
			return newClient(cmd).Watch(ctx, func(f notify.Frame) {
				if asJSON {
					_ = json.NewEncoder(out).Encode(f)
					return
				}
				e := f.Event
				fmt.Fprintf(out, "%s  %-8s %s  (from %s #%d)\n",
					e.Timestamp.Local().Format(time.TimeOnly), e.Kind, e.EntityID,
					e.OriginInstanceID, e.Sequence)
			})
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("origin", "", "Origin header for the WebSocket handshake")
	return cmd
}
