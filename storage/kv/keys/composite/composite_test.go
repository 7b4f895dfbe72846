package composite_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/docstore/storage/kv/keys"
	"github.com/jrife/docstore/storage/kv/keys/composite"
)

func TestEncodeDecode(t *testing.T) {
	testCases := map[string]composite.Key{
		"single":        {keys.Key("a")},
		"many":          {keys.Key("field"), keys.Key(`"value"`), keys.Key("key")},
		"empty-element": {keys.Key("field"), keys.Key{}, keys.Key("key")},
		"binary":        {keys.Key{0x00, 0xff}, keys.Key{0x01}},
	}

	for name, key := range testCases {
		t.Run(name, func(t *testing.T) {
			decoded, err := composite.Decode(key.Encode())

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(key, decoded); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := composite.Decode([]byte{0x05, 'a'}); err != composite.ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %#v", err)
	}
}

func TestRange(t *testing.T) {
	bucket := composite.Key{keys.Key("data"), keys.Key("1")}
	r := bucket.Range()

	inside := composite.Key{keys.Key("data"), keys.Key("1"), keys.Key("k1")}.Encode()
	otherValue := composite.Key{keys.Key("data"), keys.Key("12"), keys.Key("k1")}.Encode()
	otherField := composite.Key{keys.Key("dat"), keys.Key("a1"), keys.Key("k1")}.Encode()

	if !r.Contains(inside) {
		t.Errorf("expected bucket range to contain %q", inside)
	}

	if r.Contains(otherValue) {
		t.Errorf("expected bucket range not to contain %q", otherValue)
	}

	if r.Contains(otherField) {
		t.Errorf("expected bucket range not to contain %q", otherField)
	}
}
