// Command stdio demonstrates a host and a filesystem provider talking over
// an in-process byte-stream pair, the same framing a subprocess provider
// would use over stdin/stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/contextlink/go-cxp"
	"github.com/contextlink/go-cxp/providers/filesystem"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	root, err := os.MkdirTemp("", "cxp-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(root)

	if err := os.WriteFile(root+"/hello.txt", []byte("Hello from the provider!\n"), 0600); err != nil {
		log.Fatal(err)
	}

	provider, err := filesystem.NewProvider([]string{root})
	if err != nil {
		log.Fatal(err)
	}
	registry := cxp.NewRegistry()
	if err := provider.Register(registry); err != nil {
		log.Fatal(err)
	}

	// Two pipes stand in for the subprocess's stdin/stdout.
	hostReader, providerWriter := io.Pipe()
	providerReader, hostWriter := io.Pipe()

	providerTransport := cxp.NewStdIO(providerReader, providerWriter)
	hostTransport := cxp.NewStdIO(hostReader, hostWriter)

	server := cxp.NewServer(cxp.Info{Name: "example-fs", Version: "1.0"}, providerTransport, registry,
		cxp.WithInstructions("Filesystem tools rooted at a temporary directory."))
	go server.Serve()

	client := cxp.NewClient(cxp.Info{Name: "example-host", Version: "1.0"}, hostTransport)
	if err := client.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	fmt.Printf("Connected to %s\n", client.ServerInfo().Name)
	fmt.Printf("Instructions: %s\n\n", client.Instructions())

	tools, err := client.ListTools(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Tools:")
	for _, tool := range tools {
		fmt.Printf("  %s\n", tool.Name)
	}
	fmt.Println()

	args, _ := json.Marshal(map[string]string{"path": "hello.txt"})
	res, err := client.CallTool(ctx, cxp.CallToolParams{
		Name:      "read_file",
		Arguments: args,
	})
	if err != nil {
		log.Fatal(err)
	}

	var file struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(res, &file); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s:\n%s", file.Path, file.Content)

	if err := client.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
