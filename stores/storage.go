package stores

import (
	"os"

	"pixeldraw/core"
	"pixeldraw/stores/aws"
	"pixeldraw/stores/filesystem"
	"pixeldraw/stores/memory"
	"pixeldraw/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetCooldownStore picks the cooldown backend from the COOLDOWN_STORE
// environment variable: "filesystem", "sqlite", "s3", or in-memory for
// anything else.
func GetCooldownStore() core.CooldownStore {
	storageType := os.Getenv("COOLDOWN_STORE")
	var store core.CooldownStore

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		path := os.Getenv("COOLDOWN_PATH")
		if path == "" {
			path = "./data/cooldowns.json" // Default path
		}
		storageField["path"] = path
		store = filesystem.NewStore(path)
	case "sqlite":
		dataSourceName := os.Getenv("DATA_SOURCE_NAME")
		if dataSourceName == "" {
			dataSourceName = "pixeldraw.db" // Default filename
		}
		storageField["dataSourceName"] = dataSourceName
		store = sqlite.NewStore(dataSourceName)
	case "s3":
		bucketName := os.Getenv("S3_BUCKET_NAME")
		if bucketName == "" {
			logrus.Fatal("S3_BUCKET_NAME environment variable must be set for s3 storage type")
		}
		key := os.Getenv("S3_COOLDOWN_KEY")
		if key == "" {
			key = "cooldowns.json"
		}
		storageField["bucketName"] = bucketName
		storageField["key"] = key
		store = aws.NewStore(bucketName, key)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use cooldown storage")
	return store
}
