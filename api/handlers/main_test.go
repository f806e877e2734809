package handlers_test

import (
	"context"
	"os"
	"testing"

	metatesting "github.com/statbase/cube/builder/pkg/meta/testing"
	cubetesting "github.com/statbase/cube/utils/pkg/testing"
)

var sharedDB *metatesting.DB

func TestMain(m *testing.M) {
	log := cubetesting.NewLogger()

	var err error
	sharedDB, err = metatesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start postgres container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	sharedDB.Close()
	os.Exit(code)
}
