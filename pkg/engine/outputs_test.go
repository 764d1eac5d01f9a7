package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestOutputValue_RedactsOnDisplaySurfaces(t *testing.T) {
	v := NewSensitiveOutput("postgres://admin:hunter2@db:5432/app")

	if got := v.Display(); got != RedactedPlaceholder {
		t.Errorf("Display = %v, want %q", got, RedactedPlaceholder)
	}
	if got := v.String(); got != RedactedPlaceholder {
		t.Errorf("String = %q, want %q", got, RedactedPlaceholder)
	}
	if got := fmt.Sprintf("%v", v); got != RedactedPlaceholder {
		t.Errorf("Sprintf = %q, sensitive value leaked through formatting", got)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("Marshal leaked sensitive value: %s", data)
	}

	// The raw value stays reachable through the explicit accessor.
	if v.Unwrap() != "postgres://admin:hunter2@db:5432/app" {
		t.Error("Unwrap did not return the raw value")
	}
}

func TestOutputValue_PlainValuesPassThrough(t *testing.T) {
	v := NewOutput("vpc-1234")
	if v.Sensitive() {
		t.Error("plain output must not be sensitive")
	}
	if v.Display() != "vpc-1234" {
		t.Errorf("Display = %v, want vpc-1234", v.Display())
	}
}

func TestOutputSet_RawRoundTrip(t *testing.T) {
	set := OutputSet{
		"database_host": NewOutput("db.internal"),
		"database_port": NewOutput(5432),
		"database_url":  NewSensitiveOutput("postgres://u:p@db/app"),
	}

	data, err := set.EncodeRaw()
	if err != nil {
		t.Fatalf("EncodeRaw failed: %v", err)
	}
	// Raw encoding is for the state store only and must keep the value.
	if !strings.Contains(string(data), "postgres://u:p@db/app") {
		t.Error("EncodeRaw should preserve sensitive values")
	}

	decoded, err := DecodeRawOutputs(data)
	if err != nil {
		t.Fatalf("DecodeRawOutputs failed: %v", err)
	}
	if !decoded["database_url"].Sensitive() {
		t.Error("sensitivity flag lost in round trip")
	}
	if decoded["database_url"].Unwrap() != "postgres://u:p@db/app" {
		t.Error("sensitive value lost in round trip")
	}
	if decoded["database_host"].Unwrap() != "db.internal" {
		t.Error("plain value lost in round trip")
	}
}

func TestDecodeRawOutputs_Empty(t *testing.T) {
	set, err := DecodeRawOutputs(nil)
	if err != nil {
		t.Fatalf("DecodeRawOutputs(nil) failed: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("expected empty set, got %v", set)
	}
}

func TestNormalizeOutputs_AppliesSchemaAndSensitivity(t *testing.T) {
	raw := map[string]interface{}{
		"database_url":  "postgres://u:p@db/app",
		"database_host": "db.internal",
		"database_port": 5432,
		"backend_noise": "dropped",
	}
	set, err := NormalizeOutputs("database", KindRelationalDB, raw)
	if err != nil {
		t.Fatalf("NormalizeOutputs failed: %v", err)
	}
	if _, ok := set["backend_noise"]; ok {
		t.Error("extra provider fields must be dropped")
	}
	if !set["database_url"].Sensitive() {
		t.Error("database_url must be sensitive")
	}
	if set["database_host"].Sensitive() {
		t.Error("database_host must not be sensitive")
	}
}

func TestNormalizeOutputs_MissingOutputFails(t *testing.T) {
	_, err := NormalizeOutputs("networking", KindNetwork, map[string]interface{}{
		"network_id": "vpc-1",
		// subnet_ids missing
	})
	if err == nil {
		t.Fatal("NormalizeOutputs should fail on missing logical outputs")
	}
	if !strings.Contains(err.Error(), "subnet_ids") {
		t.Errorf("error %q should name the missing output", err)
	}
}

func TestKindOutputNames_CoverAllKinds(t *testing.T) {
	for _, kind := range []Kind{KindNetwork, KindCluster, KindRelationalDB, KindCache, KindObjectStore} {
		if names := KindOutputNames(kind); len(names) == 0 {
			t.Errorf("kind %s has no logical outputs", kind)
		}
	}
	if KindOutputNames(Kind("mainframe")) != nil {
		t.Error("unknown kind should have no output schema")
	}
}
