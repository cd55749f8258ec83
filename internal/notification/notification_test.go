package notification

import (
	"context"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/notification/mock"
	"github.com/amazinernest/counsellhelp/internal/testutil"
)

func TestPreview(t *testing.T) {
	assert.Equal(t, "Hello", Preview("Hello"))
	exact := strings.Repeat("a", 50)
	assert.Equal(t, exact, Preview(exact))
	assert.Equal(t, exact+"...", Preview(exact+"b"))
	runes := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50)+"...", Preview(runes))
}

func TestCreateIsIdempotentPerDedupeKey(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestSQLiteStore(t)
	in := Input{
		UserID:    "k1",
		Type:      domain.NotificationTypeNewMessage,
		Title:     TitleNewMessage,
		Body:      "Hello",
		Data:      domain.NotificationData{ConversationID: "c1"},
		DedupeKey: MessageDedupeKey("m1"),
	}

	first, err := Create(ctx, store, in)
	require.NoError(t, err)
	second, err := Create(ctx, store, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := store.ListNotifications(ctx, "k1", 50)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateResolvesInsertRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockRepository(ctrl)
	existing := &domain.Notification{ID: "n1", UserID: "k1", DedupeKey: "session:s1"}

	gomock.InOrder(
		repo.EXPECT().GetNotificationByDedupeKey(gomock.Any(), "k1", "session:s1").Return(nil, nil),
		repo.EXPECT().CreateNotification(gomock.Any(), gomock.Any()).Return(domain.ErrConflict),
		repo.EXPECT().GetNotificationByDedupeKey(gomock.Any(), "k1", "session:s1").Return(existing, nil),
	)

	got, err := Create(context.Background(), repo, Input{UserID: "k1", DedupeKey: SessionDedupeKey("s1")})
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
}

func TestCreateRequiresRecipient(t *testing.T) {
	_, err := Create(context.Background(), testutil.NewTestSQLiteStore(t), Input{})
	assert.Error(t, err)
}
