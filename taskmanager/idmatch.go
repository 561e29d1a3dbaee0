package taskmanager

import (
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func objectIDFromHex(raw string) (bson.ObjectID, error) {
	return bson.ObjectIDFromHex(raw)
}

func parseInt64(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
