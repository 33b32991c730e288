package gcap

import (
	"testing"
)

type fakeFactory struct {
	drivers []string
	created []StoreConfig
}

func (f *fakeFactory) Create(config StoreConfig) (Adapter, error) {
	f.created = append(f.created, config)
	return &fakeAdapter{tx: &fakeTx{}}, nil
}

func (f *fakeFactory) SupportedDrivers() []string {
	return f.drivers
}

func TestRegisterAdapter(t *testing.T) {
	factory := &fakeFactory{drivers: []string{"fake-a", "Fake-B"}}
	RegisterAdapter(factory)
	defer unregisterAdapter("fake-a")
	defer unregisterAdapter("fake-b")

	drivers := Drivers()
	found := 0
	for i, d := range drivers {
		if d == "fake-a" || d == "fake-b" {
			found++
		}
		if i > 0 && drivers[i-1] > d {
			t.Errorf("Expected sorted drivers, got %v", drivers)
		}
	}
	if found != 2 {
		t.Errorf("Expected both fake drivers, got %v", drivers)
	}

	adapter, err := OpenAdapter(StoreConfig{Driver: "FAKE-B", Database: "shop"})
	if err != nil {
		t.Fatalf("Unexpected error %v", err)
	}
	if adapter.Info().Name != "fake" {
		t.Errorf("Unexpected adapter %+v", adapter.Info())
	}
	if len(factory.created) != 1 || factory.created[0].Database != "shop" {
		t.Errorf("Expected the config to reach the factory, got %v", factory.created)
	}
}

func TestRegisterAdapterTwicePanics(t *testing.T) {
	RegisterAdapter(&fakeFactory{drivers: []string{"fake-dup"}})
	defer unregisterAdapter("fake-dup")

	defer func() {
		if recover() == nil {
			t.Error("Expected a duplicate driver to panic")
		}
	}()
	RegisterAdapter(&fakeFactory{drivers: []string{"FAKE-DUP"}})
}

func TestOpenAdapterUnknownDriver(t *testing.T) {
	_, err := OpenAdapter(StoreConfig{Driver: "cassandra"})
	if !IsErrorType(err, ErrorTypeUnsupported) {
		t.Errorf("Expected unsupported driver, got %v", err)
	}
}
