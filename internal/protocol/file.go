package protocol

// File channel message types.
const (
	TypeFileOffer         = "file-offer"
	TypeFileOfferResponse = "file-offer-response"
)

// FileMessage is the variant set of the file channel.
type FileMessage interface {
	Message
	isFile()
}

type FileOffer struct {
	To   string `json:"to"`
	From string `json:"from"`
	Meta Meta   `json:"meta"`
}

type FileOfferResponse struct {
	To     string `json:"to"`
	From   string `json:"from"`
	Accept bool   `json:"accept"`
}

func (FileOffer) MessageType() string         { return TypeFileOffer }
func (FileOfferResponse) MessageType() string { return TypeFileOfferResponse }

func (FileOffer) isFile()         {}
func (FileOfferResponse) isFile() {}

// DecodeFile decodes a file channel frame.
func DecodeFile(f Frame) (FileMessage, error) {
	switch f.Type {
	case TypeFileOffer:
		return decodeAs[FileOffer](f)
	case TypeFileOfferResponse:
		return decodeAs[FileOfferResponse](f)
	}
	return nil, ErrUnknownType
}
