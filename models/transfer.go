package models

// TransferRequest is the frame a sender writes ahead of the payload.
type TransferRequest struct {
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	Channel   int32  `json:"channel"`
	Timestamp int64  `json:"timestamp"`
}

// TransferResponse is the receiver's acknowledgement for one transfer.
type TransferResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	FileName  string `json:"file_name"`
	Timestamp int64  `json:"timestamp"`
}
