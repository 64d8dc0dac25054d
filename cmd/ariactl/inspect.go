package main

import (
	"encoding/hex"
	"time"

	"github.com/spf13/cobra"

	"github.com/x5iu/ariarpc/statefile"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Decode aria2 state files",
}

type controlView struct {
	Version      uint16      `json:"version"`
	InfoHash     string      `json:"infoHash,omitempty"`
	PieceLength  uint32      `json:"pieceLength"`
	TotalLength  uint64      `json:"totalLength"`
	UploadLength uint64      `json:"uploadLength"`
	Bitfield     string      `json:"bitfield"`
	InFlight     []pieceView `json:"inFlight,omitempty"`
}

type pieceView struct {
	Index    uint32 `json:"index"`
	Length   uint32 `json:"length"`
	Bitfield string `json:"bitfield"`
}

var inspectControlCmd = &cobra.Command{
	Use:   "control <file.aria2>",
	Short: "Decode a .aria2 control file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := statefile.ReadControlFile(args[0])
		if err != nil {
			return err
		}
		v := controlView{
			Version:      c.Version,
			InfoHash:     hex.EncodeToString(c.InfoHash),
			PieceLength:  c.PieceLength,
			TotalLength:  c.TotalLength,
			UploadLength: c.UploadLength,
			Bitfield:     hex.EncodeToString(c.Bitfield),
		}
		for _, p := range c.InFlight {
			v.InFlight = append(v.InFlight, pieceView{Index: p.Index, Length: p.Length, Bitfield: hex.EncodeToString(p.Bitfield)})
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

type dhtView struct {
	Version     string     `json:"version"`
	ModTime     time.Time  `json:"modTime"`
	LocalNodeID string     `json:"localNodeId"`
	Nodes       []nodeView `json:"nodes"`
}

type nodeView struct {
	Addr string `json:"addr"`
	ID   string `json:"id"`
}

var inspectDHTCmd = &cobra.Command{
	Use:   "dht <dht.dat>",
	Short: "Decode a DHT routing table file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := statefile.ReadDHTFile(args[0])
		if err != nil {
			return err
		}
		v := dhtView{
			Version:     hex.EncodeToString(d.Version[:]),
			ModTime:     d.ModTime().UTC(),
			LocalNodeID: hex.EncodeToString(d.LocalNodeID[:]),
			Nodes:       make([]nodeView, 0, len(d.Nodes)),
		}
		for _, n := range d.Nodes {
			v.Nodes = append(v.Nodes, nodeView{Addr: n.Addr.String(), ID: hex.EncodeToString(n.ID[:])})
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

func init() {
	inspectCmd.AddCommand(inspectControlCmd, inspectDHTCmd)
}
