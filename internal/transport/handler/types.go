package handler

type CreateBatchRequest struct {
	NbFiles    int    `json:"nbFiles" validate:"required,gte=1,lte=50"`
	TargetMime string `json:"targetMime" validate:"required,oneof=image/jpeg image/png"`
}

type CreateBatchResponse struct {
	BatchID string `json:"batchId"`
}

type PresignRequest struct {
	FileName string `json:"fileName" validate:"required,max=255"`
}

type ConfirmUploadRequest struct {
	ObjectKey string `json:"objectKey" validate:"required,max=512"`
}
