package integration

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

const binaryPath = "../cmd/fedlogin/fedlogin"

// TestMain builds the fedlogin binary once for all tests
func TestMain(m *testing.M) {
	flag.Parse()

	fmt.Println("Building fedlogin binary...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, "../cmd/fedlogin")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		fmt.Printf("Failed to build fedlogin: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.Remove(binaryPath)
	os.Exit(code)
}
