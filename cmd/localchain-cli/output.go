package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/Klingon-tech/localchain/pkg/types"
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode: %v", err)
	}
}

func printJSONLine(v any) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fatal("encode: %v", err)
	}
}

func statusText(s types.ChainStatus) string {
	switch s {
	case types.StatusRunning:
		return color.GreenString(string(s))
	case types.StatusStarting:
		return color.YellowString(string(s))
	case types.StatusError:
		return color.RedString(string(s))
	default:
		return color.New(color.Faint).Sprint(string(s))
	}
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

func renderChains(w io.Writer, chains []types.ChainConfig) {
	table := newTable(w, []string{"ID", "NAME", "PORT", "BLOCK TIME", "STATUS", "FORK"})
	for _, c := range chains {
		blockTime := strconv.FormatUint(c.BlockTime, 10) + "s"
		if c.BlockTime == 0 {
			blockTime = "per tx"
		}
		table.Append([]string{
			strconv.FormatUint(c.ID, 10),
			c.Name,
			strconv.FormatUint(uint64(c.Port), 10),
			blockTime,
			statusText(c.Status),
			c.ForkURL,
		})
	}
	table.Render()
}

func renderBlocks(w io.Writer, blocks []types.Block) {
	table := newTable(w, []string{"NUMBER", "HASH", "TXS", "GAS USED", "TIME"})
	for _, b := range blocks {
		table.Append([]string{
			strconv.FormatUint(b.Number, 10),
			shortHash(b.Hash),
			strconv.Itoa(b.TransactionCount),
			strconv.FormatUint(b.GasUsed, 10),
			strconv.FormatUint(b.Time, 10),
		})
	}
	table.Render()
}

func renderTransactions(w io.Writer, txs []types.Transaction) {
	table := newTable(w, []string{"INDEX", "HASH", "FROM"})
	for _, tx := range txs {
		table.Append([]string{strconv.FormatUint(tx.Index, 10), tx.Hash, tx.From})
	}
	table.Render()
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + "…" + h[len(h)-6:]
}

func formatHead(b types.Block) string {
	return fmt.Sprintf("%s %-8d %s txs=%d gas=%d",
		color.CyanString("#"), b.Number, shortHash(b.Hash), b.TransactionCount, b.GasUsed)
}

// colorLogLine colors the origin tag of a streamed log line.
func colorLogLine(line string) string {
	switch {
	case strings.HasPrefix(line, "["+types.OriginStderr+"]"):
		return color.RedString(line)
	case strings.HasPrefix(line, "["+types.OriginManager+"]"):
		return color.YellowString(line)
	default:
		return line
	}
}

// toYAML renders v as block-style YAML with the field order and names of
// its JSON encoding.
func toYAML(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", err
	}
	blockStyle(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}
