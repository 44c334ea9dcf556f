package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/route-beacon/view-exchange/internal/codec"
	"github.com/route-beacon/view-exchange/internal/fileio"
	"github.com/route-beacon/view-exchange/internal/view"
)

func main() {
	verbose := false
	var path string
	for _, arg := range os.Args[1:] {
		if arg == "-v" {
			verbose = true
			continue
		}
		path = arg
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: view-dump [-v] <archive-file>")
		os.Exit(1)
	}

	r, err := fileio.NewViewReader(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	viewNum := 0
	for {
		v := view.New()
		err := r.ReadView(v, nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, codec.ErrCorruption) {
				fmt.Fprintf(os.Stderr, "view %d: %v\n", viewNum+1, err)
				os.Exit(2)
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}
		viewNum++
		dumpView(v, viewNum, verbose)
	}
	fmt.Printf("Total views: %d\n", viewNum)
}

func dumpView(v *view.View, num int, verbose bool) {
	fmt.Printf("=== View %d (time=%d) ===\n", num, v.Time())
	fmt.Printf("  peers:   %d active\n", v.PeerCnt(view.FieldActive))
	fmt.Printf("  paths:   %d interned\n", v.PathStore().Len())
	fmt.Printf("  pfxs:    %d active (%d v4, %d v6)\n",
		v.PfxCnt(0, view.FieldActive),
		v.PfxCnt(4, view.FieldActive),
		v.PfxCnt(6, view.FieldActive),
	)

	it := v.Iter()
	for it.FirstPeer(view.FieldActive); it.HasMorePeer(); it.NextPeer() {
		sig := it.PeerSig()
		fmt.Printf("  peer %5d  %s %s AS%d  v4=%d v6=%d\n",
			it.PeerID(), sig.Collector, sig.Addr, sig.ASN,
			it.PeerPfxCnt(4), it.PeerPfxCnt(6),
		)
	}

	if !verbose {
		fmt.Println()
		return
	}
	for it.FirstPfx(0, view.FieldActive); it.HasMorePfx(); it.NextPfx() {
		fmt.Printf("  %s\n", it.Pfx())
		for it.FirstPfxPeer(view.FieldActive); it.HasMorePfxPeer(); it.NextPfxPeer() {
			path, _ := it.PfxPeerPath()
			fmt.Printf("    peer %5d  path[%d] %x\n", it.PfxPeerID(), path.Idx, path.Data)
		}
	}
	fmt.Println()
}
