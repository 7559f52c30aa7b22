// Command vanity-id searches for an Ed25519 keypair whose derived UID
// (hex-encoded SHA-256 of the public key) starts with a chosen prefix.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosuda/wishcore/core/cryptoops"
)

func main() {
	prefix := flag.String("prefix", "cafe", "hex UID prefix to search for")
	workers := flag.Int("workers", runtime.NumCPU(), "number of parallel workers")
	maxResults := flag.Int("max", 1, "maximum number of results to find (0 = unlimited)")
	flag.Parse()

	*prefix = strings.ToLower(*prefix)
	expectedAttempts := math.Pow(16, float64(len(*prefix)))

	fmt.Printf("Searching for UIDs with prefix: %s (%d hex chars)\n", *prefix, len(*prefix))
	fmt.Printf("Using %d parallel workers\n", *workers)
	fmt.Printf("Expected attempts per result: %.0f (average)\n\n", expectedAttempts)

	var (
		attempts  uint64
		found     uint64
		startTime = time.Now()
		results   = make(chan *Result, *workers)
		wg        sync.WaitGroup
		stop      = make(chan struct{})
	)

	for range *workers {
		wg.Add(1)
		go worker(*prefix, &attempts, &found, results, &wg, stop)
	}

	done := make(chan struct{})
	go statsReporter(&attempts, &found, startTime, done, len(*prefix), *maxResults)

	foundCount := 0
	for result := range results {
		foundCount++
		elapsed := time.Since(startTime)
		fmt.Printf("\n[#%d] Found at %.2fs (attempt #%d):\n", foundCount, elapsed.Seconds(), result.Attempt)
		fmt.Printf("  UID:        %s\n", result.UID)
		fmt.Printf("  PrivateKey: %s\n", base64.StdEncoding.EncodeToString(result.PrivateKey))
		fmt.Printf("  PublicKey:  %s\n", base64.StdEncoding.EncodeToString(result.PublicKey))

		if *maxResults > 0 && foundCount >= *maxResults {
			close(stop)
			go func() {
				wg.Wait()
				close(results)
			}()
		}
	}

	close(done)
	elapsed := time.Since(startTime)
	fmt.Printf("\n=== Final Stats ===\n")
	fmt.Printf("Total attempts: %d\n", atomic.LoadUint64(&attempts))
	fmt.Printf("Total found:    %d\n", foundCount)
	fmt.Printf("Elapsed time:   %.2fs\n", elapsed.Seconds())
	fmt.Printf("Rate:           %.0f attempts/sec\n", float64(atomic.LoadUint64(&attempts))/elapsed.Seconds())
}

// Result is a keypair whose UID matched the search prefix.
type Result struct {
	UID        string
	PrivateKey []byte
	PublicKey  []byte
	Attempt    uint64
}

func worker(prefix string, attempts, found *uint64, results chan<- *Result, wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		pub, priv, err := cryptoops.GenerateKeypair(rand.Reader)
		if err != nil {
			continue
		}
		uid, err := cryptoops.UIDFromPubkey(pub)
		if err != nil {
			continue
		}
		id := hex.EncodeToString(uid[:])

		attemptNum := atomic.AddUint64(attempts, 1)

		if strings.HasPrefix(id, prefix) {
			atomic.AddUint64(found, 1)
			select {
			case results <- &Result{UID: id, PrivateKey: priv, PublicKey: pub, Attempt: attemptNum}:
			case <-stop:
				return
			}
		}
	}
}

func statsReporter(attempts, found *uint64, startTime time.Time, done <-chan struct{}, prefixLen, maxResults int) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	expectedAttemptsPerResult := math.Pow(16, float64(prefixLen))

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(startTime)
			a := atomic.LoadUint64(attempts)
			f := atomic.LoadUint64(found)
			rate := float64(a) / elapsed.Seconds()

			var etaStr string
			if rate > 0 && maxResults > 0 {
				maxU := uint64(maxResults)
				if f < maxU {
					remaining := maxU - f
					etaSeconds := float64(remaining) * expectedAttemptsPerResult / rate
					switch {
					case etaSeconds < 60:
						etaStr = fmt.Sprintf(" | ETA: %.0fs", etaSeconds)
					case etaSeconds < 3600:
						etaStr = fmt.Sprintf(" | ETA: %.1fm", etaSeconds/60)
					default:
						etaStr = fmt.Sprintf(" | ETA: %.1fh", etaSeconds/3600)
					}
				}
			}

			fmt.Printf("\r[Stats] Attempts: %d | Found: %d | Rate: %.0f/sec | Elapsed: %.1fs%s",
				a, f, rate, elapsed.Seconds(), etaStr)
		case <-done:
			fmt.Println()
			return
		}
	}
}
