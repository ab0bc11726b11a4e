package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/kbarrett/lsmkv/lsm"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("LSM Key-Value Store Demo")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	demoLSM()
}

func demoLSM() {
	dataDir := "./data-lsm"
	defer os.RemoveAll(dataDir)

	config := lsm.DefaultConfig(dataDir)
	db, err := lsm.Open(config)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("✓ Opened store at", dataDir)

	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}

	for key, value := range testData {
		if err := db.Put([]byte(key), []byte(value)); err != nil {
			log.Printf("Error writing %s: %v", key, err)
		} else {
			fmt.Printf("  PUT %s\n", key)
		}
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, found, err := db.Get([]byte(key))
		if err != nil {
			log.Printf("Error reading %s: %v", key, err)
		} else if !found {
			log.Printf("Key not found: %s", key)
		} else {
			fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
		}
	}

	fmt.Println("\n[Updating data]")
	db.Put([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`))
	fmt.Println("  PUT user:1001 (updated)")

	name, found, _ := db.Get([]byte("user:1001"))
	if found {
		fmt.Printf("  GET user:1001 -> %s\n", truncate(string(name), 50))
	}

	fmt.Println("\n[Deleting data]")
	db.Remove([]byte("product:102"))
	fmt.Println("  REMOVE product:102")

	_, found, _ = db.Get([]byte("product:102"))
	if !found {
		fmt.Println("  GET product:102 -> absent, as expected")
	}

	fmt.Println("\n[Forcing a flush and a compaction]")
	for i := 0; i < 5000; i++ {
		key := fmt.Sprintf("bulk:%05d", i)
		db.Put([]byte(key), []byte(fmt.Sprintf("value-%d", i)))
	}
	value, found, _ := db.Get([]byte("bulk:02500"))
	if found {
		fmt.Printf("  GET bulk:02500 -> %s\n", string(value))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
