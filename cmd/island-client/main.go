// island-client registers and installs island packages against a registry.
// The publish flow uploads a built archive to the configured object-store
// origin, then registers the resulting HTTPS URL; the registry itself never
// receives the bytes.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/k8ika0s/island-registry/internal/api"
	"github.com/k8ika0s/island-registry/internal/client"
	"github.com/k8ika0s/island-registry/internal/config"
	"github.com/k8ika0s/island-registry/internal/filetag"
	"github.com/k8ika0s/island-registry/internal/objectstore"
)

const (
	exitFailure          = 1
	exitChecksumMismatch = 3
)

func main() {
	root := &cobra.Command{
		Use:           "island-client",
		Short:         "register and install island packages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("registry", envOr("ISLAND_REGISTRY", "http://localhost:8080"), "registry base URL")
	root.PersistentFlags().String("token", os.Getenv("ISLAND_TOKEN"), "API token")

	root.AddCommand(registerCmd(), publishCmd(), installCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, client.ErrChecksumMismatch) {
			os.Exit(exitChecksumMismatch)
		}
		os.Exit(exitFailure)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient(cmd *cobra.Command) *client.Client {
	registry, _ := cmd.Flags().GetString("registry")
	token, _ := cmd.Flags().GetString("token")
	return &client.Client{BaseURL: strings.TrimRight(registry, "/"), Token: token}
}

// registrationFlags populate a PackageRegistration shared by register and
// publish.
func registrationFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "package name")
	cmd.Flags().String("version", "", "package version (semver)")
	cmd.Flags().String("game", "", "game display name")
	cmd.Flags().String("description", "", "package description")
	cmd.Flags().StringSlice("author", nil, "package author (repeatable)")
	cmd.Flags().String("min-ap-version", "", "minimum supported host version")
	cmd.Flags().String("max-ap-version", "", "maximum supported host version")
	cmd.Flags().StringSlice("keyword", nil, "search keyword (repeatable)")
	cmd.Flags().String("homepage", "", "homepage URL")
	cmd.Flags().String("repository", "", "repository URL")
	cmd.Flags().String("license", "", "license identifier")
	cmd.Flags().StringToString("entry-point", nil, "entry point as name=module:Attr (repeatable)")
	cmd.Flags().String("source-repository", "", "source repository provenance")
	cmd.Flags().String("source-commit", "", "source commit SHA provenance")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("game")
}

func registrationFromFlags(cmd *cobra.Command, archivePath, url string) (api.PackageRegistration, error) {
	sha, size, err := client.ComputeSHA256(archivePath)
	if err != nil {
		return api.PackageRegistration{}, fmt.Errorf("hashing %s: %w", archivePath, err)
	}
	filename := filepath.Base(archivePath)
	parsed, err := filetag.ParseFilename(filename)
	if err != nil {
		return api.PackageRegistration{}, err
	}

	name, _ := cmd.Flags().GetString("name")
	version, _ := cmd.Flags().GetString("version")
	game, _ := cmd.Flags().GetString("game")
	description, _ := cmd.Flags().GetString("description")
	authors, _ := cmd.Flags().GetStringSlice("author")
	minAp, _ := cmd.Flags().GetString("min-ap-version")
	maxAp, _ := cmd.Flags().GetString("max-ap-version")
	keywords, _ := cmd.Flags().GetStringSlice("keyword")
	homepage, _ := cmd.Flags().GetString("homepage")
	repository, _ := cmd.Flags().GetString("repository")
	license, _ := cmd.Flags().GetString("license")
	entryPoints, _ := cmd.Flags().GetStringToString("entry-point")
	sourceRepo, _ := cmd.Flags().GetString("source-repository")
	sourceCommit, _ := cmd.Flags().GetString("source-commit")

	return api.PackageRegistration{
		Name:             name,
		Version:          version,
		Game:             game,
		Description:      description,
		Authors:          authors,
		MinimumApVersion: minAp,
		MaximumApVersion: maxAp,
		Keywords:         keywords,
		Homepage:         homepage,
		Repository:       repository,
		License:          license,
		EntryPoints:      entryPoints,
		SourceRepository: sourceRepo,
		SourceCommit:     sourceCommit,
		Distributions: []api.RegistrationDistribution{{
			Filename:    filename,
			URL:         url,
			SHA256:      sha,
			Size:        size,
			PlatformTag: parsed.Tag.String(),
		}},
	}, nil
}

func registerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <archive.island>",
		Short: "register an already-hosted archive with the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			reg, err := registrationFromFlags(cmd, args[0], url)
			if err != nil {
				return err
			}
			res, err := newClient(cmd).Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s %s (%s)\n", res.PackageName, res.Version, strings.Join(res.RegisteredDistributions, ", "))
			return nil
		},
	}
	registrationFlags(cmd)
	cmd.Flags().String("url", "", "HTTPS URL the archive is hosted at")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <archive.island>",
		Short: "upload an archive to the object-store origin, then register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if cfg.ObjectStoreEndpoint == "" || cfg.ObjectStoreBucket == "" {
				return fmt.Errorf("object store not configured (OBJECT_STORE_ENDPOINT/OBJECT_STORE_BUCKET)")
			}
			origin, err := objectstore.NewMinIOStore(cfg.ObjectStoreEndpoint, cfg.ObjectStoreAccess, cfg.ObjectStoreSecret, cfg.ObjectStoreBucket, cfg.ObjectStoreUseSSL)
			if err != nil {
				return fmt.Errorf("connecting to object store: %w", err)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			key := strings.Trim(cfg.ObjectPrefix, "/") + "/" + filepath.Base(args[0])
			if err := origin.Put(cmd.Context(), key, data, "application/zip"); err != nil {
				return fmt.Errorf("uploading %s: %w", key, err)
			}
			url := origin.URL(key)
			fmt.Printf("uploaded %s\n", url)

			reg, err := registrationFromFlags(cmd, args[0], url)
			if err != nil {
				return err
			}
			res, err := newClient(cmd).Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s %s (%s)\n", res.PackageName, res.Version, strings.Join(res.RegisteredDistributions, ", "))
			return nil
		},
	}
	registrationFlags(cmd)
	return cmd
}

func installCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <name>",
		Short: "download a package from its origin, verify, and write it to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetString("version")
			platformTag, _ := cmd.Flags().GetString("platform")
			out, _ := cmd.Flags().GetString("out")
			res, err := newClient(cmd).Install(cmd.Context(), args[0], version, platformTag, out)
			if err != nil {
				return err
			}
			fmt.Printf("installed %s (%d bytes, sha256 %s)\n", res.Path, res.Size, res.SHA256)
			return nil
		},
	}
	cmd.Flags().String("version", "", "version to install (default: latest)")
	cmd.Flags().String("platform", "", "preferred platform tag")
	cmd.Flags().String("out", ".", "output directory")
	return cmd
}
