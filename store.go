package chatbranch

import "context"

// Store abstracts persistence of chats, characters, and the branching
// message tree. Every method is transactional: a caller either observes
// the full effect of an operation or none of it.
type Store interface {
	// --- Chats ---
	CreateChat(ctx context.Context, chat Chat) error
	GetChat(ctx context.Context, id string) (Chat, error)
	ListChats(ctx context.Context, limit int) ([]Chat, error)
	UpdateChat(ctx context.Context, chat Chat) error
	DeleteChat(ctx context.Context, id string) error

	// --- Characters ---
	CreateCharacter(ctx context.Context, c Character) error
	GetCharacter(ctx context.Context, id string) (Character, error)
	ListCharacters(ctx context.Context) ([]Character, error)
	DeleteCharacter(ctx context.Context, id string) error

	// --- Messages ---
	// AddMessage inserts msg and, if it has a ParentID, appends msg.ID to the
	// parent's ChildrenIDs and points the parent's ActiveChildIndex at it.
	AddMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListMessages returns every message belonging to chatID, in no
	// particular order — callers reconstruct the tree via BuildActiveBranch.
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	// SetActiveChild points parentID's ActiveChildIndex at the child with
	// id childID. childID must be one of parentID's ChildrenIDs.
	SetActiveChild(ctx context.Context, parentID, childID string) error
	// DeleteMessage removes id and every descendant (cascading delete), and
	// removes id from its parent's ChildrenIDs, adjusting ActiveChildIndex
	// if the active branch pointed at the deleted subtree.
	DeleteMessage(ctx context.Context, id string) error
	// EditMessage replaces content/attachments on an existing
	// message in place, without touching its position in the tree.
	EditMessage(ctx context.Context, id string, content string, attachments []Attachment) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
