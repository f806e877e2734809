package cube

import "github.com/google/uuid"

// UploadKey is the filestore key under which one uploaded fact or lookup
// file lives.
func UploadKey(datasetID uuid.UUID, filename string) string {
	return "datasets/" + datasetID.String() + "/uploads/" + filename
}

// ArtifactKey is the filestore key under which a published cube artifact
// lives.
func ArtifactKey(datasetID uuid.UUID, filename string) string {
	return "datasets/" + datasetID.String() + "/cubes/" + filename
}
