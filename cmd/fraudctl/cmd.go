package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/fraudproof/fraudproof/internal/anchor"
	"github.com/fraudproof/fraudproof/internal/features"
	"github.com/fraudproof/fraudproof/internal/inference"
	"github.com/fraudproof/fraudproof/internal/validation"
)

const (
	formatYAML = "yaml"
	formatJSON = "json"

	chainTimeout = 30 * time.Second
)

var (
	domainFlag = &cli.StringFlag{
		Name:     "domain",
		Aliases:  []string{"d"},
		Usage:    "Domain tag (vehicle, bank, ecommerce, ethereum)",
		Required: true,
	}

	fileFlag = &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "JSON file holding one record object or an array of records (- for stdin)",
		Required: true,
	}

	featuresFlag = &cli.BoolFlag{
		Name:  "features",
		Usage: "Include each model's expected feature names",
	}

	rpcFlag = &cli.StringFlag{
		Name:     "rpc",
		Usage:    "Ledger RPC endpoint",
		Sources:  cli.EnvVars("RPC_URL"),
		Required: true,
	}

	contractFlag = &cli.StringFlag{
		Name:     "contract",
		Usage:    "Fraud log contract address",
		Sources:  cli.EnvVars("CONTRACT_ADDRESS"),
		Required: true,
	}

	fromBlockFlag = &cli.Uint64Flag{
		Name:  "from-block",
		Usage: "First block to scan",
	}

	scoreCmd = &cli.Command{
		Name:   "score",
		Usage:  "Score records offline with the local model registry",
		Flags:  []cli.Flag{domainFlag, fileFlag},
		Action: cmdScore,
	}

	chainCmd = &cli.Command{
		Name:  "chain",
		Usage: "Ledger commands",
		Commands: []*cli.Command{
			{
				Name:      "read",
				Usage:     "Read the fraud score anchored by a transaction",
				ArgsUsage: "<txhash>",
				Flags:     []cli.Flag{rpcFlag, contractFlag},
				Action:    cmdChainRead,
			},
			{
				Name:      "find",
				Usage:     "List anchors logged for a record reference",
				ArgsUsage: "<reference>",
				Flags:     []cli.Flag{rpcFlag, contractFlag, fromBlockFlag},
				Action:    cmdChainFind,
			},
		},
	}

	modelsCmd = &cli.Command{
		Name:   "models",
		Usage:  "List the models the manifest resolves to",
		Flags:  []cli.Flag{featuresFlag},
		Action: cmdModels,
	}
)

func loadRegistry(cmd *cli.Command) (*inference.Registry, error) {
	manifest, err := inference.LoadManifest(cmd.String(manifestFlag.Name))
	if err != nil {
		return nil, err
	}
	return manifest.Build(loggerFor(cmd))
}

func cmdScore(ctx context.Context, cmd *cli.Command) error {
	records, err := readRecords(cmd.String(fileFlag.Name))
	if err != nil {
		return err
	}

	reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	adapter := inference.NewAdapter(reg, loggerFor(cmd))

	domain := cmd.String(domainFlag.Name)
	results := make([]inference.Result, 0, len(records))
	for _, rec := range records {
		results = append(results, adapter.Score(ctx, rec, domain))
	}

	if err := write(cmd.Root().Writer, cmd.String(outputFlag.Name), results); err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed to score", failed, len(results))
	}
	return nil
}

func cmdChainRead(ctx context.Context, cmd *cli.Command) error {
	txHash := cmd.Args().First()
	if !validation.IsValidTxHash(txHash) {
		return fmt.Errorf("expected a 0x-prefixed 32-byte transaction hash, got %q", txHash)
	}

	ctx, cancel := context.WithTimeout(ctx, chainTimeout)
	defer cancel()

	reader, closeFn, err := dialReader(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ev, err := reader.Read(ctx, txHash)
	if err != nil {
		return err
	}
	return write(cmd.Root().Writer, cmd.String(outputFlag.Name), ev)
}

func cmdChainFind(ctx context.Context, cmd *cli.Command) error {
	reference := cmd.Args().First()
	if reference == "" {
		return fmt.Errorf("expected a record reference")
	}

	ctx, cancel := context.WithTimeout(ctx, chainTimeout)
	defer cancel()

	reader, closeFn, err := dialReader(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	events, err := reader.FindByReference(ctx, reference, cmd.Uint64(fromBlockFlag.Name))
	if err != nil {
		return err
	}
	if events == nil {
		events = []anchor.ChainEvent{}
	}
	return write(cmd.Root().Writer, cmd.String(outputFlag.Name), events)
}

func dialReader(ctx context.Context, cmd *cli.Command) (*anchor.Reader, func(), error) {
	contract, err := anchor.NewContract(cmd.String(contractFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	client, err := anchor.Dial(ctx, cmd.String(rpcFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	return anchor.NewReader(client, contract), client.Close, nil
}

func cmdModels(_ context.Context, cmd *cli.Command) error {
	reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	return write(cmd.Root().Writer, cmd.String(outputFlag.Name), reg.Infos(cmd.Bool(featuresFlag.Name)))
}

// readRecords accepts a single JSON object or an array of objects.
func readRecords(path string) ([]features.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var many []features.Record
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one features.Record
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return []features.Record{one}, nil
}

func write(w io.Writer, format string, v any) error {
	if w == nil {
		w = os.Stdout
	}
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML, "":
		// Round-trip through JSON so yaml keys match the API field names.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}
