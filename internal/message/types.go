package message

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleComputer  Role = "computer"
)

type Type string

const (
	TypeMessage      Type = "message"
	TypeCode         Type = "code"
	TypeImage        Type = "image"
	TypeConsole      Type = "console"
	TypeFile         Type = "file"
	TypeConfirmation Type = "confirmation"

	// TypeError only appears on the wire, in error fragments.
	TypeError Type = "error"
)

type Format string

const (
	FormatOutput     Format = "output"
	FormatPath       Format = "path"
	FormatPNG        Format = "base64.png"
	FormatJPEG       Format = "base64.jpeg"
	FormatPython     Format = "python"
	FormatJavaScript Format = "javascript"
	FormatShell      Format = "shell"
	FormatHTML       Format = "html"
	FormatActiveLine Format = "active_line"
	FormatExecution  Format = "execution"
)

type Recipient string

const (
	RecipientUser      Recipient = "user"
	RecipientAssistant Recipient = "assistant"
)

// Message is one unit of conversation in NCU format.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	Format    Format    `json:"format,omitempty"`
	Recipient Recipient `json:"recipient,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
}

// Chunk is a fragment of one logical Message during streaming delivery.
// Content between a Start and an End chunk concatenates into one Message.
type Chunk struct {
	Message
	Start bool `json:"start,omitempty"`
	End   bool `json:"end,omitempty"`
}

var roleTypes = map[Role][]Type{
	RoleUser:      {TypeMessage, TypeFile, TypeImage},
	RoleAssistant: {TypeMessage, TypeCode},
	RoleComputer:  {TypeConsole, TypeConfirmation, TypeImage},
}

// typeFormats lists the formats a type accepts. A nil entry means the type
// carries no format.
var typeFormats = map[Type][]Format{
	TypeMessage:      nil,
	TypeCode:         {FormatPython, FormatJavaScript, FormatShell, FormatHTML},
	TypeImage:        {FormatPath, FormatPNG, FormatJPEG},
	TypeConsole:      {FormatOutput, FormatActiveLine},
	TypeConfirmation: {FormatExecution},
	TypeFile:         {FormatPath},
}

var knownFormats = map[Format]bool{
	FormatOutput: true, FormatPath: true, FormatPNG: true, FormatJPEG: true,
	FormatPython: true, FormatJavaScript: true, FormatShell: true, FormatHTML: true,
	FormatActiveLine: true, FormatExecution: true,
}
