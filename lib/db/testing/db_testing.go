package testing

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/mKV/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("SetIfUnset", func(t *testing.T) {
			testSetIfUnset(t, factory())
		})

		t.Run("WriteIdx", func(t *testing.T) {
			testWriteIdx(t, factory())
		})

		t.Run("DeleteAndReinsert", func(t *testing.T) {
			testDeleteAndReinsert(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustSet(t testing.TB, database db.KVDB, key string, value []byte, writeIdx uint64) {
	t.Helper()
	if err := database.Set(key, value, writeIdx); err != nil {
		t.Fatalf("Set(%q) failed: %v", key, err)
	}
}

func mustGet(t testing.TB, database db.KVDB, key string) ([]byte, bool) {
	t.Helper()
	value, exists, err := database.Get(key)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return value, exists
}

func mustHas(t testing.TB, database db.KVDB, key string) bool {
	t.Helper()
	exists, err := database.Has(key)
	if err != nil {
		t.Fatalf("Has(%q) failed: %v", key, err)
	}
	return exists
}

func mustDelete(t testing.TB, database db.KVDB, key string, writeIdx uint64) {
	t.Helper()
	if err := database.Delete(key, writeIdx); err != nil {
		t.Fatalf("Delete(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustSet(t, database, testKey, testValue1, 1)

	result, exists := mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustSet(t, database, testKey, testValue2, 2)

	result, exists = mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	if _, exists = mustGet(t, database, "nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrievedValue, _ := mustGet(t, database, testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := mustGet(t, database, testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// a longer value forces the entry to grow
	updatedValue := bytes.Repeat([]byte("updated-value-"), 20)
	mustSet(t, database, testKey, updatedValue, 3)

	result, exists = mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after update", testKey)
	}
	if !bytes.Equal(result, updatedValue) {
		t.Errorf("Expected updated value %s, got %s", updatedValue, result)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	testKey := "delete-test-key"
	testValue := []byte("delete-test-value")

	mustSet(t, database, testKey, testValue, 1)

	if _, exists := mustGet(t, database, testKey); !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}

	mustDelete(t, database, testKey, 10)

	if _, exists := mustGet(t, database, testKey); exists {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	if database.SupportsFeature(db.FeatureHas) && mustHas(t, database, testKey) {
		t.Errorf("Expected key %s to not exist after Delete", testKey)
	}

	// deleting a missing key is not an error
	mustDelete(t, database, "nonexistent-key", 11)
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureDelete)
	requireFeature(t, database, db.FeatureHas)

	testKey := "has-exists-test-key"
	testValue := []byte("has-exists-test-value")

	if mustHas(t, database, testKey) {
		t.Errorf("Expected Has to return false for nonexistent key")
	}

	mustSet(t, database, testKey, testValue, 1)

	if !mustHas(t, database, testKey) {
		t.Errorf("Expected Has to return true after Set")
	}

	mustDelete(t, database, testKey, 2)

	if mustHas(t, database, testKey) {
		t.Errorf("Expected Has to return false after Delete")
	}
}

func testSetIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetIfUnset)
	requireFeature(t, database, db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value")
	testValue2 := []byte("test-value2")

	if err := database.SetIfUnset(testKey, testValue1, 1); err != nil {
		t.Fatalf("SetIfUnset failed: %v", err)
	}

	result, exists := mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after SetIfUnset", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	if err := database.SetIfUnset(testKey, testValue2, 5); err != nil {
		t.Fatalf("SetIfUnset failed: %v", err)
	}

	result, _ = mustGet(t, database, testKey)
	if !bytes.Equal(result, testValue1) {
		t.Errorf("SetIfUnset must not overwrite: expected %s, got %s", testValue1, result)
	}

	// a deleted key counts as unset
	if database.SupportsFeature(db.FeatureDelete) {
		mustDelete(t, database, testKey, 6)
		if err := database.SetIfUnset(testKey, testValue2, 7); err != nil {
			t.Fatalf("SetIfUnset failed: %v", err)
		}
		result, _ = mustGet(t, database, testKey)
		if !bytes.Equal(result, testValue2) {
			t.Errorf("Expected value %s after re-insert, got %s", testValue2, result)
		}
	}
}

func testWriteIdx(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)

	mustSet(t, database, "idx-key", []byte("v"), 5)
	if got := database.WriteIdx(); got != 5 {
		t.Errorf("Expected write index 5 after Set, got %d", got)
	}

	database.SetWriteIdx(10)
	if got := database.WriteIdx(); got != 10 {
		t.Errorf("Expected write index 10, got %d", got)
	}

	// the index never decreases
	database.SetWriteIdx(3)
	mustSet(t, database, "idx-key", []byte("v2"), 4)
	if got := database.WriteIdx(); got != 10 {
		t.Errorf("Expected write index to stay at 10, got %d", got)
	}
}

func testDeleteAndReinsert(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	const rounds = 50
	const numKeys = 200

	idx := uint64(1)
	for r := 0; r < rounds; r++ {
		for i := 0; i < numKeys; i++ {
			mustSet(t, database, fmt.Sprintf("cycle-%d", i), []byte(fmt.Sprintf("round-%d", r)), idx)
			idx++
		}
		for i := 0; i < numKeys; i += 2 {
			mustDelete(t, database, fmt.Sprintf("cycle-%d", i), idx)
			idx++
		}
	}

	for i := 0; i < numKeys; i++ {
		value, exists := mustGet(t, database, fmt.Sprintf("cycle-%d", i))
		if i%2 == 0 {
			if exists {
				t.Errorf("Key cycle-%d should be deleted", i)
			}
			continue
		}
		if want := fmt.Sprintf("round-%d", rounds-1); !exists || string(value) != want {
			t.Errorf("Key cycle-%d: expected %s, got %s (exists=%v)", i, want, value, exists)
		}
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	database2 := factory()

	// close the databases after the test
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureSave)
	requireFeature(t, database, db.FeatureLoad)

	numEntries := 1000
	originalKeys := make([]string, numEntries)
	originalValues := make([][]byte, numEntries)

	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("save-load-test-key-%d", i)
		value := []byte(fmt.Sprintf("save-load-test-value-%d", i))
		originalKeys[i] = key
		originalValues[i] = value

		mustSet(t, database, key, value, uint64(i+1))
	}

	// deleted keys must not come back after a load
	if database.SupportsFeature(db.FeatureDelete) {
		mustDelete(t, database, "save-load-test-key-0", uint64(numEntries+1))
	}

	// the target already holds data that the load replaces
	mustSet(t, database2, "stale-key", []byte("stale"), 1)

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}

	if err := database2.Load(&buf); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}

	if _, exists := mustGet(t, database2, "stale-key"); exists {
		t.Errorf("Load should replace the existing content")
	}

	for i := 0; i < numEntries; i++ {
		key := originalKeys[i]
		actualValue, exists := mustGet(t, database2, key)

		if i == 0 && database.SupportsFeature(db.FeatureDelete) {
			if exists {
				t.Errorf("Deleted key %s found after Load", key)
			}
			continue
		}
		if !exists {
			t.Errorf("Key %s not found after Load", key)
			continue
		}
		if !bytes.Equal(actualValue, originalValues[i]) {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", key, originalValues[i], actualValue)
		}
	}

	for i := 1; i < numEntries; i++ {
		actualValue, exists := mustGet(t, database, originalKeys[i])
		if !exists || !bytes.Equal(actualValue, originalValues[i]) {
			t.Errorf("Original database changed by Save for key %s", originalKeys[i])
		}
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)

	emptyKey := ""
	emptyKeyValue := []byte("value for empty key")

	mustSet(t, database, emptyKey, emptyKeyValue, 1)

	result, exists := mustGet(t, database, emptyKey)
	if !exists {
		t.Errorf("Empty key not found after Set")
	} else if !bytes.Equal(result, emptyKeyValue) {
		t.Errorf("Value mismatch for empty key")
	}

	emptyValueKey := "empty-value-key"
	mustSet(t, database, emptyValueKey, []byte{}, 2)

	result, exists = mustGet(t, database, emptyValueKey)
	if !exists {
		t.Errorf("Key for empty value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Empty value mismatch")
	}

	nilValueKey := "nil-value-key"
	mustSet(t, database, nilValueKey, nil, 3)

	result, exists = mustGet(t, database, nilValueKey)
	if !exists {
		t.Errorf("Key for nil value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	if t.Failed() {
		return
	}

	largeKey := string(make([]byte, 1000))
	largeKeyValue := []byte("value for large key")

	mustSet(t, database, largeKey, largeKeyValue, 4)

	result, exists = mustGet(t, database, largeKey)
	if !exists {
		t.Errorf("Large key not found after Set")
	} else if !bytes.Equal(result, largeKeyValue) {
		t.Errorf("Value mismatch for large key")
	}

	// bounded engines may reject a 100 MB value, but must then leave the key unset
	largeValueKey := "large-value-key"
	largeValue := make([]byte, 100*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}

	if err := database.Set(largeValueKey, largeValue, 5); err != nil {
		if _, exists := mustGet(t, database, largeValueKey); exists {
			t.Errorf("Rejected large value must not be stored: %v", err)
		}
		return
	}

	result, exists = mustGet(t, database, largeValueKey)
	if !exists {
		t.Errorf("Key for large value not found after Set")
	} else if !bytes.Equal(result, largeValue) {
		headMismatch := !bytes.Equal(result[:10], largeValue[:10])
		tailMismatch := !bytes.Equal(result[len(result)-10:], largeValue[len(largeValue)-10:])
		t.Errorf("Large value mismatch: Head mismatch=%v, Tail mismatch=%v, Size mismatch=%v",
			headMismatch, tailMismatch, len(result) != len(largeValue))
	}
}

func testCollisionHandling(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	prefix := "collision-test-"
	numKeys := 1000

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		mustSet(t, database, key, []byte(fmt.Sprintf("value-%d", i)), uint64(i+1))
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		actualValue, exists := mustGet(t, database, key)
		if !exists {
			t.Errorf("Key %s not found", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value for key %s does not match: expected %s, got %s",
				key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		mustDelete(t, database, fmt.Sprintf("%s%d", prefix, i), uint64(numKeys+i+1))
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := mustGet(t, database, key)

		if i%2 == 0 && exists {
			t.Errorf("Key %s should be deleted", key)
		} else if i%2 == 1 && !exists {
			t.Errorf("Key %s should still exist", key)
		}
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)
	requireFeature(t, database, db.FeatureGet)
	requireFeature(t, database, db.FeatureDelete)

	type operation struct {
		op    string
		key   string
		value []byte
	}

	numOperations := 10_000
	operations := make([]operation, numOperations)

	for i := 0; i < numOperations; i++ {
		var op string
		switch i % 10 {
		case 0, 1, 2, 3, 4, 5, 6:
			op = "set"
		case 7, 8:
			op = "get"
		case 9:
			op = "delete"
		}

		var key string
		if i%5 == 0 {
			key = fmt.Sprintf("hot-key-%d", i%50)
		} else {
			key = fmt.Sprintf("key-%d", i)
		}

		var value []byte
		if op == "set" {
			valueSize := 64
			if i%10 == 0 {
				valueSize = 1024
			}
			value = make([]byte, valueSize)
			for j := 0; j < valueSize; j++ {
				value[j] = byte((i + j) % 256)
			}
		}

		operations[i] = operation{op, key, value}
	}

	allKeys := make(map[string]bool)
	for _, op := range operations {
		allKeys[op.key] = true
	}

	numWorkers := 8
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	var errorCount int32
	var writeIdx atomic.Uint64

	opsPerWorker := numOperations / numWorkers

	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()

			start := workerId * opsPerWorker
			end := start + opsPerWorker

			for i := start; i < end; i++ {
				op := operations[i]

				var err error
				switch op.op {
				case "set":
					err = database.Set(op.key, op.value, writeIdx.Add(1))
				case "get":
					_, _, err = database.Get(op.key)
				case "delete":
					err = database.Delete(op.key, writeIdx.Add(1))
				}
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				}
			}
		}(w)
	}

	wg.Wait()

	if n := atomic.LoadInt32(&errorCount); n > 0 {
		t.Fatalf("Test had %d errors during parallel operations", n)
	}

	var (
		dbMutex   sync.Mutex
		keyValues = make(map[string][]byte)
		keyStatus = make(map[string]bool)
	)

	var verifyWg sync.WaitGroup
	verifyWg.Add(len(allKeys))

	for key := range allKeys {
		go func(k string) {
			defer verifyWg.Done()

			value, exists, err := database.Get(k)

			dbMutex.Lock()
			defer dbMutex.Unlock()
			if err != nil {
				t.Errorf("Get(%q) failed: %v", k, err)
				return
			}
			keyStatus[k] = exists
			keyValues[k] = value
		}(key)
	}

	verifyWg.Wait()

	for key := range allKeys {
		value, exists := mustGet(t, database, key)

		if exists != keyStatus[key] {
			t.Errorf("Consistency error: Key %s existence changed during verification", key)
			continue
		}
		if exists && !bytes.Equal(value, keyValues[key]) {
			t.Errorf("Value mismatch for key %s between verification passes", key)
		}
	}
}
