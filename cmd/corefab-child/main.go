// Command corefab-child is the process a parent execs to become a remote
// context: it parses its boot arguments and blocks in corefab.Main until
// the parent link disconnects.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/dcrodman/corefab/pkg/corefab"
)

func main() {
	var (
		parentID  uint
		contextID uint
		keyHex    string
		logLevel  string
	)
	flag.UintVar(&parentID, "parent-id", 0, "context ID of the parent process")
	flag.UintVar(&contextID, "context-id", 0, "context ID assigned to this process")
	flag.StringVar(&keyHex, "key-hex", "", "hex-encoded shared secret for the parent stream")
	flag.StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARNING, ERROR, or CRITICAL")
	flag.Parse()

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corefab-child: invalid -key-hex: %v\n", err)
		os.Exit(1)
	}

	args := corefab.BootArgs{
		ParentID:  uint32(parentID),
		ContextID: uint32(contextID),
		Key:       key,
		LogLevel:  logLevel,
	}
	if err := corefab.Main(args); err != nil {
		fmt.Fprintf(os.Stderr, "corefab-child: %v\n", err)
		os.Exit(1)
	}
}
