// Package dynamostore implements store.Store on a single DynamoDB table.
//
// Table layout (partition key "pk", sort key "sk", both strings):
//
//	pk = CHAT#<chat_id>    sk = PROFILE                       chat record with medications
//	pk = CHAT#<chat_id>    sk = DOSE#<medication>|<date>|<time> dose instance
//	pk = UPDATE#<id>       sk = UPDATE                        processed update claim
//
// Dose and update items carry a numeric "ttl" attribute so DynamoDB's native
// TTL can reap them; PurgeDoses/PurgeUpdates still delete eagerly because TTL
// deletion may lag by hours.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/store"
)

// API is the subset of *dynamodb.Client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Condition and filter expressions. Kept as constants so they read as a
// single table of the access patterns.
const (
	condNotExists      = "attribute_not_exists(pk)"
	condVersion        = "#version = :expected"
	condSentLive       = "attribute_exists(pk) AND #status = :sent AND #ttl > :now"
	condSentOnly       = "#status = :sent"
	condClaimable      = "attribute_not_exists(pk) OR #expires <= :now"
	filterProfiles     = "sk = :profile"
	filterDoses        = "begins_with(sk, :dose)"
	filterUpdates      = "begins_with(pk, :update)"
	keyCondChatDoses   = "pk = :pk AND begins_with(sk, :dose)"
	updateConfirmation = "SET #status = :confirmed, confirmed_at = :at"

	skProfile = "PROFILE"
	skUpdate  = "UPDATE"
	dosePfx   = "DOSE#"
)

// Store is the DynamoDB-backed store.
type Store struct {
	client API
	table  string
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client.
func New(client API, table string) *Store {
	return &Store{client: client, table: table}
}

// Open loads the default AWS configuration (environment, shared config,
// Lambda execution role) and returns a Store for table.
func Open(ctx context.Context, table string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, store.Unavailable("load aws config", err)
	}
	return New(dynamodb.NewFromConfig(cfg), table), nil
}

type chatItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	domain.Chat
}

type doseItem struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
	domain.DoseInstance
	TTL int64 `dynamodbav:"ttl"`
}

type updateItem struct {
	PK      string `dynamodbav:"pk"`
	SK      string `dynamodbav:"sk"`
	Expires int64  `dynamodbav:"expires"`
	TTL     int64  `dynamodbav:"ttl"`
}

func chatPK(chatID string) string { return "CHAT#" + chatID }

func doseSK(k domain.DoseKey) string { return dosePfx + k.String() }

func updatePK(id int64) string { return "UPDATE#" + strconv.FormatInt(id, 10) }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func n(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (st *Store) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	out, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(chatPK(chatID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, store.Unavailable("get chat", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	var it chatItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, store.Unavailable("decode chat", err)
	}
	c := it.Chat
	c.Conversation = c.Conversation.Normalize()
	return &c, nil
}

func (st *Store) PutChat(ctx context.Context, rec *domain.Chat, expectedVersion int64) error {
	next := rec.Clone()
	next.Version = expectedVersion + 1
	now := time.Now().UTC()
	next.UpdatedAt = now
	if expectedVersion == 0 {
		next.CreatedAt = now
	}
	for i := range next.Medications {
		next.Medications[i].ChatID = next.ChatID
		next.Medications[i].Position = i
	}

	item, err := attributevalue.MarshalMap(chatItem{PK: chatPK(next.ChatID), SK: skProfile, Chat: *next})
	if err != nil {
		return fmt.Errorf("encode chat: %w", err)
	}
	in := &dynamodb.PutItemInput{TableName: aws.String(st.table), Item: item}
	if expectedVersion == 0 {
		in.ConditionExpression = aws.String(condNotExists)
	} else {
		in.ConditionExpression = aws.String(condVersion)
		in.ExpressionAttributeNames = map[string]string{"#version": "version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{":expected": n(expectedVersion)}
	}

	if _, err := st.client.PutItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return store.ErrConflict
		}
		return store.Unavailable("put chat", err)
	}
	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	if expectedVersion == 0 {
		rec.CreatedAt = next.CreatedAt
	}
	for i := range rec.Medications {
		rec.Medications[i].ChatID = rec.ChatID
		rec.Medications[i].Position = i
	}
	return nil
}

func (st *Store) ScanChats(ctx context.Context, fn func(*domain.Chat) error) error {
	p := dynamodb.NewScanPaginator(st.client, &dynamodb.ScanInput{
		TableName:                 aws.String(st.table),
		FilterExpression:          aws.String(filterProfiles),
		ExpressionAttributeValues: map[string]types.AttributeValue{":profile": s(skProfile)},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return store.Unavailable("scan chats", err)
		}
		var items []chatItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return store.Unavailable("decode chats", err)
		}
		for i := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := items[i].Chat
			c.Conversation = c.Conversation.Normalize()
			if err := fn(&c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (st *Store) CreateDose(ctx context.Context, d *domain.DoseInstance) error {
	item, err := attributevalue.MarshalMap(doseItem{
		PK:           chatPK(d.ChatID),
		SK:           doseSK(d.Key()),
		DoseInstance: *d,
		TTL:          d.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode dose: %w", err)
	}
	_, err = st.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(st.table),
		Item:                item,
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrDuplicate
		}
		return store.Unavailable("create dose", err)
	}
	return nil
}

func (st *Store) GetDose(ctx context.Context, chatID string, k domain.DoseKey) (*domain.DoseInstance, error) {
	out, err := st.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.table),
		Key:            key(chatPK(chatID), doseSK(k)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, store.Unavailable("get dose", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	var it doseItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, store.Unavailable("decode dose", err)
	}
	d := it.DoseInstance
	return &d, nil
}

func (st *Store) ConfirmDose(ctx context.Context, chatID string, k domain.DoseKey, at time.Time) error {
	atAV, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return fmt.Errorf("encode time: %w", err)
	}
	_, err = st.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(st.table),
		Key:                      key(chatPK(chatID), doseSK(k)),
		UpdateExpression:         aws.String(updateConfirmation),
		ConditionExpression:      aws.String(condSentLive),
		ExpressionAttributeNames: map[string]string{"#status": "status", "#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sent":      s(string(domain.DoseSent)),
			":confirmed": s(string(domain.DoseConfirmed)),
			":at":        atAV,
			":now":       n(at.Unix()),
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return store.Unavailable("confirm dose", err)
	}
	d, gerr := st.GetDose(ctx, chatID, k)
	if gerr != nil {
		return gerr
	}
	if d.Expired(at) {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (st *Store) ReleaseDose(ctx context.Context, chatID string, k domain.DoseKey) error {
	_, err := st.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(st.table),
		Key:                       key(chatPK(chatID), doseSK(k)),
		ConditionExpression:       aws.String(condSentOnly),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":sent": s(string(domain.DoseSent))},
	})
	if err != nil && !isConditionFailed(err) {
		return store.Unavailable("release dose", err)
	}
	return nil
}

func (st *Store) ListDoses(ctx context.Context, chatID string, since time.Time) ([]domain.DoseInstance, error) {
	p := dynamodb.NewQueryPaginator(st.client, &dynamodb.QueryInput{
		TableName:              aws.String(st.table),
		KeyConditionExpression: aws.String(keyCondChatDoses),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   s(chatPK(chatID)),
			":dose": s(dosePfx),
		},
		ConsistentRead: aws.Bool(true),
	})
	var out []domain.DoseInstance
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, store.Unavailable("list doses", err)
		}
		var items []doseItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, store.Unavailable("decode doses", err)
		}
		for _, it := range items {
			if !it.DueAt.Before(since) {
				out = append(out, it.DoseInstance)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (st *Store) PurgeDoses(ctx context.Context, now time.Time) (int64, error) {
	p := dynamodb.NewScanPaginator(st.client, &dynamodb.ScanInput{
		TableName:                 aws.String(st.table),
		FilterExpression:          aws.String(filterDoses),
		ExpressionAttributeValues: map[string]types.AttributeValue{":dose": s(dosePfx)},
	})
	var purged int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return purged, store.Unavailable("purge doses", err)
		}
		var items []doseItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return purged, store.Unavailable("decode doses", err)
		}
		for _, it := range items {
			if !it.Expired(now) {
				continue
			}
			if _, err := st.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(st.table),
				Key:       key(it.PK, it.SK),
			}); err != nil {
				return purged, store.Unavailable("purge doses", err)
			}
			purged++
		}
	}
	return purged, nil
}

func (st *Store) ClaimUpdate(ctx context.Context, updateID int64, now time.Time, ttl time.Duration) error {
	exp := now.Add(ttl).Unix()
	item, err := attributevalue.MarshalMap(updateItem{PK: updatePK(updateID), SK: skUpdate, Expires: exp, TTL: exp})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	_, err = st.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(st.table),
		Item:                      item,
		ConditionExpression:       aws.String(condClaimable),
		ExpressionAttributeNames:  map[string]string{"#expires": "expires"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": n(now.Unix())},
	})
	if err != nil {
		if isConditionFailed(err) {
			return store.ErrDuplicate
		}
		return store.Unavailable("claim update", err)
	}
	return nil
}

func (st *Store) ReleaseUpdate(ctx context.Context, updateID int64) error {
	_, err := st.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(st.table),
		Key:       key(updatePK(updateID), skUpdate),
	})
	return store.Unavailable("release update", err)
}

func (st *Store) PurgeUpdates(ctx context.Context, now time.Time) (int64, error) {
	p := dynamodb.NewScanPaginator(st.client, &dynamodb.ScanInput{
		TableName:                 aws.String(st.table),
		FilterExpression:          aws.String(filterUpdates),
		ExpressionAttributeValues: map[string]types.AttributeValue{":update": s("UPDATE#")},
	})
	var purged int64
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return purged, store.Unavailable("purge updates", err)
		}
		var items []updateItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return purged, store.Unavailable("decode updates", err)
		}
		for _, it := range items {
			if it.Expires > now.Unix() {
				continue
			}
			if _, err := st.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(st.table),
				Key:       key(it.PK, it.SK),
			}); err != nil {
				return purged, store.Unavailable("purge updates", err)
			}
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (st *Store) Close() error { return nil }
